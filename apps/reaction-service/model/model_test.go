package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReactionType_Valid(t *testing.T) {
	for _, rt := range ValidReactionTypes {
		assert.True(t, rt.Valid(), rt)
	}
	assert.False(t, ReactionRemove.Valid())
	assert.False(t, ReactionType("angry").Valid())
	assert.False(t, ReactionType("").Valid())
}

func TestKeys(t *testing.T) {
	blog := BlogTarget(42)
	comment := CommentTarget(42, 7)

	assert.Equal(t, "reaction_counts:blog_42", GetCountsKey(blog))
	assert.Equal(t, "reaction_counts:blog_42:comment_7", GetCountsKey(comment))
	assert.Equal(t, "reaction_tag:blog_42", GetTagKey(42))
	assert.Equal(t, "reaction_queue:blog_42", GetQueueKey(42))
	assert.Equal(t, "bulk_update_scheduled:blog_42", GetScheduledKey(42))
	assert.Equal(t, "bulk_processing:blog_42", GetProcessingKey(42))
	assert.Equal(t, "blog.42", GetChannel(blog))
	assert.Equal(t, "blog.42.comment.7", GetChannel(comment))

	id, ok := ParseQueueKey(GetQueueKey(42))
	require.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = ParseQueueKey("reaction_queue:blog_x")
	assert.False(t, ok)
	_, ok = ParseQueueKey("other:blog_1")
	assert.False(t, ok)
}

func TestReactionCounts(t *testing.T) {
	var c ReactionCounts
	c.Add(ReactionLike, 3)
	c.Add(ReactionSad, -2)
	c.Add(ReactionType("angry"), 10)

	assert.Equal(t, int64(3), c.Get(ReactionLike))
	assert.Equal(t, int64(-2), c.Get(ReactionSad))
	assert.Equal(t, int64(1), c.Total())

	floored := c.Floor()
	assert.Equal(t, int64(0), floored.Sad)
	assert.Equal(t, int64(3), floored.Like)

	merged := floored.Merge(ReactionCounts{Love: 2, Like: -1})
	assert.Equal(t, ReactionCounts{Like: 2, Love: 2}, merged)
	assert.True(t, ReactionCounts{}.IsZero())
}

func TestReactionCounts_HashRoundTrip(t *testing.T) {
	c := ReactionCounts{Like: 5, Love: 1, Sad: 2}
	hash := c.ToHash(time.UnixMilli(1000))
	assert.Len(t, hash, 6)
	assert.Equal(t, int64(1000), hash[FieldComputedAt])

	// Redis 返回字符串
	raw := map[string]string{"like": "5", "love": "1", "sad": "2", FieldComputedAt: "1000"}
	got, err := CountsFromHash(raw)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	_, err = CountsFromHash(map[string]string{"like": "many"})
	assert.Error(t, err)
}

func TestCountsJSON_AlwaysAllTypes(t *testing.T) {
	data, err := json.Marshal(ReactionCounts{Like: 1})
	require.NoError(t, err)
	assert.JSONEq(t, `{"like":1,"love":0,"laugh":0,"surprised":0,"sad":0}`, string(data))
}

func TestPendingOperation_Delta(t *testing.T) {
	tests := []struct {
		name string
		op   PendingOperation
		want ReactionCounts
	}{
		{"create", PendingOperation{Operation: OperationCreate, Type: ReactionLike}, ReactionCounts{Like: 1}},
		{"delete", PendingOperation{Operation: OperationDelete, Type: ReactionLove}, ReactionCounts{Love: -1}},
		{"update", PendingOperation{Operation: OperationUpdate, Type: ReactionSad, PreviousType: ReactionLike}, ReactionCounts{Like: -1, Sad: 1}},
		{"update without previous", PendingOperation{Operation: OperationUpdate, Type: ReactionSad}, ReactionCounts{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.op.Delta())
		})
	}
}

func TestPendingOperation_JSON(t *testing.T) {
	op := PendingOperation{
		BlogID: 1, CommentID: 9, VisitorID: "v1",
		Type: ReactionLove, PreviousType: ReactionLike,
		Operation: OperationUpdate, Timestamp: 1700000000123,
	}
	data, err := json.Marshal(op)
	require.NoError(t, err)

	var decoded PendingOperation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, op, decoded)
	assert.Equal(t, CommentTarget(1, 9), decoded.Target())
	assert.Equal(t, int64(1700000000123), decoded.Time().UnixMilli())
}

func TestReaction_MarshalJSON(t *testing.T) {
	r := Reaction{ID: 1, BlogID: 2, VisitorID: "v", Type: ReactionLike}
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Nil(t, out["comment_id"])
	assert.Contains(t, out, "comment_id")
	assert.Equal(t, "like", out["type"])

	r.CommentID = 5
	data, err = json.Marshal(&r)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, float64(5), out["comment_id"])
}

func TestReactRequest_Validate(t *testing.T) {
	ok := &ReactRequest{BlogID: 1, VisitorID: "v", Type: ReactionRemove}
	assert.NoError(t, ok.Validate())

	bad := &ReactRequest{BlogID: 0, CommentID: -1, VisitorID: " ", Type: "angry"}
	err := bad.Validate()
	require.Error(t, err)

	ve, isValidation := IsValidationError(err)
	require.True(t, isValidation)
	assert.Len(t, ve.Fields, 4)
	assert.Contains(t, err.Error(), "blog_id")
	assert.Contains(t, err.Error(), "type")
}
