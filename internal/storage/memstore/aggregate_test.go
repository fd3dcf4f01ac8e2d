package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/roach88/querypilot/internal/storage"
)

func pipeline(t *testing.T, stages ...string) []bson.D {
	t.Helper()
	out := make([]bson.D, len(stages))
	for i, s := range stages {
		out[i] = doc(t, s)
	}
	return out
}

func studentsColl(t *testing.T) (*Engine, storage.Collection) {
	t.Helper()
	return newTestColl(t, "students",
		doc(t, `{"name": "Alice", "major": "CS", "gpa": 3.8, "courses": ["CS101", "MA201"]}`),
		doc(t, `{"name": "Bob", "major": "Math", "gpa": 3.2, "courses": ["MA201"]}`),
		doc(t, `{"name": "Cara", "major": "CS", "gpa": 3.4, "courses": []}`),
	)
}

func TestAggregate_GroupSort(t *testing.T) {
	_, coll := studentsColl(t)
	got, err := coll.Aggregate(context.Background(), pipeline(t,
		`{"$group": {"_id": "$major", "count": {"$sum": 1}, "avg": {"$avg": "$gpa"}, "names": {"$push": "$name"}}}`,
		`{"$sort": {"count": -1}}`,
	))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "CS", got[0][0].Value)
	assert.Equal(t, int32(2), got[0][1].Value)
	assert.InDelta(t, 3.6, got[0][2].Value.(float64), 1e-9)
	assert.Equal(t, bson.A{"Alice", "Cara"}, got[0][3].Value)

	assert.Equal(t, "Math", got[1][0].Value)
	assert.Equal(t, int32(1), got[1][1].Value)
}

func TestAggregate_GroupNullKey(t *testing.T) {
	_, coll := studentsColl(t)
	got, err := coll.Aggregate(context.Background(), pipeline(t,
		`{"$group": {"_id": null, "total": {"$sum": "$gpa"}, "top": {"$max": "$gpa"}, "low": {"$min": "$gpa"}}}`,
	))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0][0].Value)
	assert.InDelta(t, 10.4, got[0][1].Value.(float64), 1e-9)
	assert.Equal(t, 3.8, got[0][2].Value)
	assert.Equal(t, 3.2, got[0][3].Value)
}

func TestAggregate_MatchProjectLimit(t *testing.T) {
	_, coll := studentsColl(t)
	got, err := coll.Aggregate(context.Background(), pipeline(t,
		`{"$match": {"major": "CS"}}`,
		`{"$sort": {"gpa": 1}}`,
		`{"$project": {"_id": 0, "name": 1, "label": {"$concat": ["$name", " (", "$major", ")"]}}}`,
		`{"$limit": 1}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []bson.D{doc(t, `{"name": "Cara", "label": "Cara (CS)"}`)}, got)
}

func TestAggregate_Count(t *testing.T) {
	_, coll := studentsColl(t)
	got, err := coll.Aggregate(context.Background(), pipeline(t,
		`{"$match": {"gpa": {"$gt": 3.3}}}`,
		`{"$count": "n"}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []bson.D{doc(t, `{"n": 2}`)}, got)

	got, err = coll.Aggregate(context.Background(), pipeline(t,
		`{"$match": {"gpa": {"$gt": 5}}}`,
		`{"$count": "n"}`,
	))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAggregate_Unwind(t *testing.T) {
	_, coll := studentsColl(t)
	got, err := coll.Aggregate(context.Background(), pipeline(t,
		`{"$unwind": "$courses"}`,
		`{"$project": {"_id": 0, "name": 1, "courses": 1}}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []bson.D{
		doc(t, `{"name": "Alice", "courses": "CS101"}`),
		doc(t, `{"name": "Alice", "courses": "MA201"}`),
		doc(t, `{"name": "Bob", "courses": "MA201"}`),
	}, got)

	got, err = coll.Aggregate(context.Background(), pipeline(t,
		`{"$unwind": {"path": "$courses", "preserveNullAndEmptyArrays": true}}`,
	))
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestAggregate_Lookup(t *testing.T) {
	ctx := context.Background()
	e, coll := studentsColl(t)
	courses, err := e.Collection(ctx, "courses")
	require.NoError(t, err)
	_, err = courses.InsertMany(ctx, []bson.D{
		doc(t, `{"code": "CS101", "title": "Intro"}`),
		doc(t, `{"code": "MA201", "title": "Algebra"}`),
	})
	require.NoError(t, err)

	got, err := coll.Aggregate(ctx, pipeline(t,
		`{"$match": {"name": "Alice"}}`,
		`{"$lookup": {"from": "courses", "localField": "courses", "foreignField": "code", "as": "enrolled"}}`,
		`{"$project": {"_id": 0, "titles": "$enrolled.title"}}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []bson.D{doc(t, `{"titles": ["Intro", "Algebra"]}`)}, got)
}

func TestAggregate_AddFieldsAndExpressions(t *testing.T) {
	_, coll := studentsColl(t)
	got, err := coll.Aggregate(context.Background(), pipeline(t,
		`{"$match": {"name": "Bob"}}`,
		`{"$addFields": {"n": {"$size": "$courses"}, "honors": {"$cond": [{"$gte": ["$gpa", 3.5]}, "yes", "no"]}, "upper": {"$toUpper": "$name"}}}`,
		`{"$project": {"_id": 0, "n": 1, "honors": 1, "upper": 1}}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []bson.D{doc(t, `{"n": 1, "honors": "no", "upper": "BOB"}`)}, got)
}

func TestAggregate_TextMatch(t *testing.T) {
	ctx := context.Background()
	_, coll := newTestColl(t, "courses",
		doc(t, `{"title": "Databases and database theory"}`),
		doc(t, `{"title": "Cooking"}`),
	)
	_, err := coll.CreateIndex(ctx, storage.IndexModel{Keys: bson.D{{Key: "title", Value: "text"}}})
	require.NoError(t, err)

	got, err := coll.Aggregate(ctx, pipeline(t,
		`{"$match": {"$text": {"$search": "database"}}}`,
		`{"$project": {"_id": 0, "title": 1, "score": {"$meta": "textScore"}}}`,
	))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Greater(t, got[0][1].Value.(float64), 0.0)

	_, err = coll.Aggregate(ctx, pipeline(t,
		`{"$limit": 5}`,
		`{"$match": {"$text": {"$search": "database"}}}`,
	))
	assert.Error(t, err)
}

func TestAggregate_GeoNear(t *testing.T) {
	ctx := context.Background()
	_, coll := newTestColl(t, "places",
		doc(t, `{"name": "far", "location": {"type": "Point", "coordinates": [0, 0.02]}}`),
		doc(t, `{"name": "close", "location": {"type": "Point", "coordinates": [0, 0.005]}}`),
	)
	_, err := coll.CreateIndex(ctx, storage.IndexModel{Keys: bson.D{{Key: "location", Value: "2dsphere"}}})
	require.NoError(t, err)

	got, err := coll.Aggregate(ctx, pipeline(t,
		`{"$geoNear": {"near": {"type": "Point", "coordinates": [0, 0]}, "distanceField": "dist"}}`,
		`{"$project": {"_id": 0, "name": 1}}`,
	))
	require.NoError(t, err)
	assert.Equal(t, []bson.D{doc(t, `{"name": "close"}`), doc(t, `{"name": "far"}`)}, got)
}

func TestAggregate_Errors(t *testing.T) {
	_, coll := studentsColl(t)
	tests := []struct {
		name  string
		stage string
		want  string
	}{
		{"unknown stage", `{"$frobnicate": {}}`, "unrecognized pipeline stage name"},
		{"two keys", `{"$match": {}, "$limit": 1}`, "exactly one field"},
		{"bad limit", `{"$limit": 0}`, "invalid argument"},
		{"group without id", `{"$group": {"n": {"$sum": 1}}}`, "_id"},
		{"bad accumulator", `{"$group": {"_id": null, "n": {"$median": "$gpa"}}}`, "unknown group operator"},
		{"unknown expression", `{"$project": {"x": {"$frob": 1}}}`, "unrecognized expression"},
		{"divide by zero", `{"$project": {"x": {"$divide": ["$gpa", 0]}}}`, "divide by zero"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := coll.Aggregate(context.Background(), pipeline(t, tt.stage))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAggregate_UnsupportedStage(t *testing.T) {
	_, coll := studentsColl(t)
	_, err := coll.Aggregate(context.Background(), pipeline(t, `{"$out": "copy"}`))
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}
