package oracle

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned once a Scripted oracle has no replies left.
var ErrScriptExhausted = errors.New("scripted oracle: no replies left")

// Reply is one canned oracle answer.
type Reply struct {
	Text string
	Err  error
}

// Scripted replays canned replies in order and records every prompt.
// It backs scenario tests and offline runs.
type Scripted struct {
	mu      sync.Mutex
	replies []Reply
	prompts []string
	params  []Params
}

// NewScripted returns an oracle answering with replies in order.
func NewScripted(replies ...Reply) *Scripted {
	return &Scripted{replies: replies}
}

// Generate returns the next reply.
func (s *Scripted) Generate(ctx context.Context, prompt string, p Params) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	s.params = append(s.params, p)

	if err := ctx.Err(); err != nil {
		return "", &Error{Code: ErrCodeNetwork, Message: "Network error", Err: err}
	}
	if n >= len(s.replies) {
		return "", ErrScriptExhausted
	}
	r := s.replies[n]
	return r.Text, r.Err
}

// Calls returns how many times Generate was called.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

// Prompts returns a copy of every prompt received.
func (s *Scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// Params returns a copy of the parameters of every call.
func (s *Scripted) Params() []Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Params(nil), s.params...)
}
