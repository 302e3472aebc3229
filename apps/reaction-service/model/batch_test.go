package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBatch_Coalesce(t *testing.T) {
	ops := []*PendingOperation{
		{BlogID: 1, VisitorID: "a", Type: ReactionLike, Operation: OperationCreate, Timestamp: 100},
		{BlogID: 1, CommentID: 3, VisitorID: "b", Type: ReactionSad, Operation: OperationCreate, Timestamp: 110},
		{BlogID: 1, VisitorID: "a", Type: ReactionLove, PreviousType: ReactionLike, Operation: OperationUpdate, Timestamp: 120},
		{BlogID: 1, CommentID: 3, VisitorID: "b", Type: ReactionSad, Operation: OperationDelete, Timestamp: 130},
		nil,
	}

	batch := BuildBatch(ops)
	require.Len(t, batch.Upserts, 1)
	assert.Equal(t, "a", batch.Upserts[0].VisitorID)
	assert.Equal(t, ReactionLove, batch.Upserts[0].Type)
	assert.Equal(t, int64(120), batch.Upserts[0].UpdatedAt.UnixMilli())

	require.Len(t, batch.Deletes, 1)
	assert.Equal(t, "b", batch.Deletes[0].VisitorID)

	assert.Equal(t, []Target{BlogTarget(1), CommentTarget(1, 3)}, batch.Targets)
	assert.Equal(t, 2, batch.Size())
}

func TestBuildBatch_OutOfOrderKeepsNewest(t *testing.T) {
	ops := []*PendingOperation{
		{BlogID: 1, VisitorID: "a", Type: ReactionLove, Operation: OperationUpdate, Timestamp: 200},
		{BlogID: 1, VisitorID: "a", Type: ReactionLike, Operation: OperationCreate, Timestamp: 100},
	}

	batch := BuildBatch(ops)
	require.Len(t, batch.Upserts, 1)
	assert.Equal(t, ReactionLove, batch.Upserts[0].Type)
}

func TestBuildBatch_Empty(t *testing.T) {
	batch := BuildBatch(nil)
	assert.Equal(t, 0, batch.Size())
	assert.Empty(t, batch.Targets)
}
