package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no fence", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"upper case tag", "```JSON\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"nested fences", "```json\n```json\n{\"a\":1}\n```\n```", `{"a":1}`},
		{"only opening", "```json {\"a\":1}", `{"a":1}`},
		{"only closing", "{\"a\":1}```", `{"a":1}`},
		{"surrounding space", "  \n```json\n{}\n```  \n", `{}`},
		{"fence only", "```", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestRepair(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"valid json untouched", `{"collection": "students", "limit": 5}`, `{"collection": "students", "limit": 5}`},
		{"single quotes", `{'collection': 'students'}`, `{"collection": "students"}`},
		{"bare keys", `{collection: "students", operation: "find"}`, `{"collection": "students", "operation": "find"}`},
		{"bare values", `{"collection": students, "operation": find}`, `{"collection": "students", "operation": "find"}`},
		{"literals kept", `{"a": true, "b": false, "c": null}`, `{"a": true, "b": false, "c": null}`},
		{"numbers kept", `{"gpa": 3.5, "n": -2}`, `{"gpa": 3.5, "n": -2}`},
		{"operator keys", `{"update": {$set: {salary: 5}}}`, `{"update": {"$set": {"salary": 5}}}`},
		{"dotted key", `{address.city: "Pune"}`, `{"address.city": "Pune"}`},
		{"apostrophe in double quotes", `{"name": "Komal's"}`, `{"name": "Komal's"}`},
		{"double quote inside single", `{'q': 'say "hi"'}`, `{"q": "say \"hi\""}`},
		{"escaped single quote", `{'name': 'Komal\'s'}`, `{"name": "Komal's"}`},
		{"colon inside string", `{"t": "a: b"}`, `{"t": "a: b"}`},
		{"space before colon", `{name : John}`, `{"name" : "John"}`},
		{"unterminated single", `{'a`, `{"a`},
		{"unterminated double", `{"a: b`, `{"a: b`},
		{"words without colon", `hello world`, `hello world`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Repair(tt.in))
		})
	}
}

func TestNormalizeFencedRepair(t *testing.T) {
	in := "```json\n{collection: 'students', operation: 'insert', document: {name: 'John', gpa: 3.6}}\n```"
	want := `{"collection": "students", "operation": "insert", "document": {"name": "John", "gpa": 3.6}}`
	assert.Equal(t, want, Normalize(in))
}

var adversarial = []string{
	"",
	"```",
	"``````",
	"```json```",
	"```json\n{\"a\":1}\n```",
	"```\n```json\n{a:1}\n```\n```",
	`{'a': 'b'}`,
	`{a: b, c: true, d: null}`,
	`{"a": "unterminated`,
	`{'a': 'unterminated`,
	`'\`,
	`"\`,
	`'a\'`,
	`'a\\'`,
	`'"'`,
	`'\"'`,
	`a:b:c`,
	`: : :`,
	`true: false`,
	`$set:$inc`,
	"x ``'`'",
	"```'```",
	"{\"map\": \"function() { emit(this.major, this.gpa); }\"}",
	`{'q': 'it''s'}`,
	"   \t\n",
	`{"a":1} trailing words: here`,
	"café: crème",
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, in := range adversarial {
		once := Normalize(in)
		assert.Equal(t, once, Normalize(once), "input %q", in)
	}
}

func FuzzNormalizeIdempotent(f *testing.F) {
	for _, in := range adversarial {
		f.Add(in)
	}
	f.Fuzz(func(t *testing.T, in string) {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("not idempotent for %q: %q then %q", in, once, twice)
		}
	})
}
