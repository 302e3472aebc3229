package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commentkit/apps/reaction-service/model"
	"commentkit/apps/reaction-service/testutils"
	"commentkit/pkg/config"
	"commentkit/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc       *Service
	reactions *testutils.MemoryReactionDAO
	cache     *testutils.MemoryCountCache
	queue     *testutils.MemoryPendingQueue
	locks     *testutils.MemoryLocks
	scheduler *testutils.RecordingScheduler
	notifier  *testutils.RecordingNotifier
	events    *testutils.RecordingProducer
	clock     *fakeClock
}

func newFixture(t *testing.T, mutate ...func(*config.ReactionConfig)) *fixture {
	t.Helper()

	cfg := config.DefaultReactionConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	f := &fixture{
		reactions: testutils.NewMemoryReactionDAO(),
		cache:     testutils.NewMemoryCountCache(),
		queue:     testutils.NewMemoryPendingQueue(),
		locks:     testutils.NewMemoryLocks(),
		scheduler: &testutils.RecordingScheduler{},
		notifier:  &testutils.RecordingNotifier{},
		events:    &testutils.RecordingProducer{},
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.cache.Now = f.clock.Now
	f.locks.Now = f.clock.Now

	f.svc = NewService(Dependencies{
		Reactions: f.reactions,
		Cache:     f.cache,
		Queue:     f.queue,
		Locks:     f.locks,
		Scheduler: f.scheduler,
		Notifier:  f.notifier,
		Events:    f.events,
	}, cfg, logger.NewNopLogger(), WithClock(f.clock.Now))
	return f
}

func (f *fixture) react(t *testing.T, blogID, commentID int64, visitor string, rt model.ReactionType) *model.ReactResult {
	t.Helper()
	res, err := f.svc.React(context.Background(), &model.ReactRequest{
		BlogID: blogID, CommentID: commentID, VisitorID: visitor, Type: rt,
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) storeCounts(t *testing.T, target model.Target) model.ReactionCounts {
	t.Helper()
	counts, err := f.reactions.CountByType(context.Background(), target)
	require.NoError(t, err)
	return counts
}

func TestReact_CreateThenChangeType(t *testing.T) {
	f := newFixture(t)
	blog := model.BlogTarget(5)

	res := f.react(t, 5, 0, "v1", model.ReactionLike)
	assert.Equal(t, model.MessageCreated, res.Message)
	assert.Equal(t, model.OperationCreate, res.Operation)
	require.NotNil(t, res.Reaction)
	assert.Equal(t, model.ReactionLike, res.Reaction.Type)
	assert.Equal(t, model.ReactionCounts{Like: 1}, res.Counts)
	assert.Equal(t, 1, f.queue.Len(5))

	res = f.react(t, 5, 0, "v1", model.ReactionLove)
	assert.Equal(t, model.MessageUpdated, res.Message)
	assert.Equal(t, model.ReactionLike, res.PreviousType)
	assert.Equal(t, model.ReactionCounts{Love: 1}, res.Counts)

	ops, err := f.queue.Peek(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, model.OperationUpdate, ops[1].Operation)
	assert.Equal(t, model.ReactionLike, ops[1].PreviousType)

	f.clock.Advance(31 * time.Second)
	result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	assert.Equal(t, 2, result.Operations)
	assert.Equal(t, 0, f.queue.Len(5))
	assert.Equal(t, model.ReactionCounts{Love: 1}, f.cache.Counts(blog))
	assert.Equal(t, f.storeCounts(t, blog), f.cache.Counts(blog))
}

func TestReact_RemoveWithoutReaction(t *testing.T) {
	f := newFixture(t)

	res := f.react(t, 5, 0, "v2", model.ReactionRemove)
	assert.Equal(t, model.MessageNoop, res.Message)
	assert.Equal(t, model.OperationNone, res.Operation)
	assert.Nil(t, res.Reaction)
	assert.True(t, res.Counts.IsZero())

	assert.Equal(t, 0, f.queue.Len(5))
	assert.Equal(t, 0, f.scheduler.Count())
	assert.Empty(t, f.notifier.Snapshot())
}

func TestReact_SameTypeIsUnchanged(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 0, "v1", model.ReactionSad)

	res := f.react(t, 5, 0, "v1", model.ReactionSad)
	assert.Equal(t, model.MessageUnchanged, res.Message)
	assert.Equal(t, model.OperationNone, res.Operation)
	assert.Equal(t, model.ReactionCounts{Sad: 1}, res.Counts)
	assert.Equal(t, 1, f.queue.Len(5))
}

func TestReact_RemoveExisting(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 3, "v1", model.ReactionLaugh)
	f.react(t, 5, 3, "v2", model.ReactionLaugh)

	res := f.react(t, 5, 3, "v1", model.ReactionRemove)
	assert.Equal(t, model.MessageDeleted, res.Message)
	assert.Equal(t, model.ReactionLaugh, res.PreviousType)
	// 返回被撤销的反应
	require.NotNil(t, res.Reaction)
	assert.Equal(t, "v1", res.Reaction.VisitorID)
	assert.Equal(t, model.ReactionLaugh, res.Reaction.Type)
	assert.Equal(t, model.ReactionCounts{Laugh: 1}, res.Counts)
	assert.Equal(t, 1, f.reactions.Rows())
	assert.Equal(t, 1, f.reactions.Tombstones())

	ops, err := f.queue.Peek(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, model.OperationDelete, ops[2].Operation)
	assert.Equal(t, model.ReactionLaugh, ops[2].Type)
	assert.Equal(t, int64(3), ops[2].CommentID)
}

func TestReact_BlogAndCommentCountedSeparately(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.react(t, 5, 9, "v1", model.ReactionLove)

	blogCounts, err := f.svc.GetReactionCounts(context.Background(), model.BlogTarget(5))
	require.NoError(t, err)
	commentCounts, err := f.svc.GetReactionCounts(context.Background(), model.CommentTarget(5, 9))
	require.NoError(t, err)

	assert.Equal(t, model.ReactionCounts{Like: 1}, blogCounts)
	assert.Equal(t, model.ReactionCounts{Love: 1}, commentCounts)
}

func TestReact_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.React(context.Background(), &model.ReactRequest{BlogID: 5, VisitorID: "v1", Type: "angry"})
	ve, ok := model.IsValidationError(err)
	require.True(t, ok)
	assert.Contains(t, ve.Fields, "type")
	assert.Equal(t, 0, f.reactions.TxCalls)
}

func TestReact_RetriesDuplicateOnce(t *testing.T) {
	f := newFixture(t)
	f.reactions.DuplicateOnCreate = 1

	res := f.react(t, 5, 0, "v1", model.ReactionLike)
	assert.Equal(t, model.OperationCreate, res.Operation)
	assert.Equal(t, 2, f.reactions.TxCalls)
	assert.Equal(t, 1, f.queue.Len(5))
}

func TestReact_ConflictAfterRetry(t *testing.T) {
	f := newFixture(t)
	f.reactions.DuplicateOnCreate = 2

	_, err := f.svc.React(context.Background(), &model.ReactRequest{BlogID: 5, VisitorID: "v1", Type: model.ReactionLike})
	assert.ErrorIs(t, err, model.ErrReactionConflict)
	assert.Equal(t, 0, f.queue.Len(5))
}

func TestReact_QueueFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.queue.PushErr = errors.New("redis down")

	_, err := f.svc.React(context.Background(), &model.ReactRequest{BlogID: 5, VisitorID: "v1", Type: model.ReactionLike})
	assert.ErrorIs(t, err, model.ErrProcessReaction)
	assert.Equal(t, 0, f.reactions.Rows())
	assert.False(t, f.cache.Has(model.BlogTarget(5)))
	assert.Equal(t, 0, f.scheduler.Count())
}

func TestReact_CommitFailureRemovesQueuedOperation(t *testing.T) {
	f := newFixture(t)
	f.reactions.CommitErr = errors.New("commit failed")

	_, err := f.svc.React(context.Background(), &model.ReactRequest{BlogID: 5, VisitorID: "v1", Type: model.ReactionLike})
	assert.ErrorIs(t, err, model.ErrProcessReaction)
	assert.Equal(t, 0, f.reactions.Rows())
	assert.Equal(t, 0, f.queue.Len(5))
}

func TestReact_SchedulesOncePerWindow(t *testing.T) {
	f := newFixture(t)

	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.react(t, 5, 0, "v2", model.ReactionLike)
	f.react(t, 5, 7, "v3", model.ReactionLike)
	require.Equal(t, 1, f.scheduler.Count())
	assert.Equal(t, "5", f.scheduler.Tasks[0].Member)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), f.scheduler.Tasks[0].At)

	// 其他博客独立调度
	f.react(t, 6, 0, "v1", model.ReactionLike)
	assert.Equal(t, 2, f.scheduler.Count())

	f.clock.Advance(31 * time.Second)
	f.react(t, 5, 0, "v4", model.ReactionLike)
	assert.Equal(t, 3, f.scheduler.Count())
}

func TestReact_ScheduleFailureClearsFlag(t *testing.T) {
	f := newFixture(t)
	f.scheduler.Err = errors.New("zadd failed")

	f.react(t, 5, 0, "v1", model.ReactionLike)
	assert.False(t, f.locks.Held(model.GetScheduledKey(5)))

	f.scheduler.Err = nil
	f.react(t, 5, 0, "v2", model.ReactionLike)
	assert.Equal(t, 1, f.scheduler.Count())
}

func TestReact_BroadcastsAndPublishesEvent(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 9, "v1", model.ReactionSurprised)

	msgs := f.notifier.Snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "blog.5.comment.9", msgs[0].Channel)

	var update model.CountsUpdate
	require.NoError(t, json.Unmarshal(msgs[0].Message, &update))
	assert.Equal(t, int64(5), update.BlogID)
	require.NotNil(t, update.CommentID)
	assert.Equal(t, int64(9), *update.CommentID)
	assert.Equal(t, "v1", update.Excluding)
	assert.Equal(t, model.ReactionCounts{Surprised: 1}, update.Counts)

	sent := f.events.Snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, model.TopicReactionEvents, sent[0].Topic)
	assert.Equal(t, []byte("5"), sent[0].Key)

	var event model.ReactionEvent
	require.NoError(t, json.Unmarshal(sent[0].Value, &event))
	assert.Equal(t, model.OperationCreate, event.EventType)
	assert.Equal(t, model.ReactionSurprised, event.Type)
}

func TestReact_NotifierFailureDoesNotFailRequest(t *testing.T) {
	f := newFixture(t)
	f.notifier.Err = errors.New("publish failed")
	f.events.Err = errors.New("broker down")

	res := f.react(t, 5, 0, "v1", model.ReactionLike)
	assert.Equal(t, model.OperationCreate, res.Operation)
}

func TestReact_CacheMissCountsFromStore(t *testing.T) {
	f := newFixture(t)
	f.reactions.Seed(model.Reaction{BlogID: 5, VisitorID: "old", Type: model.ReactionLike, UpdatedAt: f.clock.Now()})

	res := f.react(t, 5, 0, "v1", model.ReactionLike)
	assert.Equal(t, model.ReactionCounts{Like: 2}, res.Counts)
	assert.Equal(t, 1, f.cache.DeltaCalls)
	// 写路径不回填缓存
	assert.False(t, f.cache.Has(model.BlogTarget(5)))
}

func TestReact_AppliesDeltaToCachedCounts(t *testing.T) {
	f := newFixture(t)
	blog := model.BlogTarget(5)

	_, err := f.svc.GetReactionCounts(context.Background(), blog)
	require.NoError(t, err)
	require.True(t, f.cache.Has(blog))

	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.react(t, 5, 0, "v2", model.ReactionLike)
	res := f.react(t, 5, 0, "v1", model.ReactionSad)

	assert.Equal(t, model.ReactionCounts{Like: 1, Sad: 1}, res.Counts)
	assert.Equal(t, model.ReactionCounts{Like: 1, Sad: 1}, f.cache.Counts(blog))
	assert.Equal(t, 1, f.cache.PutCalls)
	assert.Equal(t, time.Hour, f.cache.LastTTL)
	assert.Equal(t, 1, f.reactions.CountCalls)
}

func TestReact_RecomputeOnUpdate(t *testing.T) {
	f := newFixture(t, func(c *config.ReactionConfig) { c.RecomputeOnUpdate = true })
	blog := model.BlogTarget(5)
	_, err := f.svc.GetReactionCounts(context.Background(), blog)
	require.NoError(t, err)

	// 新增仍走增量
	f.react(t, 5, 0, "v1", model.ReactionLike)
	assert.Equal(t, 1, f.cache.DeltaCalls)

	// 类型切换从数据库重算
	puts := f.cache.PutCalls
	f.react(t, 5, 0, "v1", model.ReactionSad)
	assert.Equal(t, 1, f.cache.DeltaCalls)
	assert.Equal(t, puts+1, f.cache.PutCalls)
	assert.Equal(t, model.ReactionCounts{Sad: 1}, f.cache.Counts(blog))

	// 撤销仍走增量
	f.react(t, 5, 0, "v1", model.ReactionRemove)
	assert.Equal(t, 2, f.cache.DeltaCalls)
	assert.True(t, f.cache.Counts(blog).IsZero())
}

func TestReact_ConcurrentVisitors(t *testing.T) {
	f := newFixture(t)
	blog := model.BlogTarget(5)
	_, err := f.svc.GetReactionCounts(context.Background(), blog)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.React(context.Background(), &model.ReactRequest{
				BlogID: 5, VisitorID: fmt.Sprintf("v%d", i), Type: model.ReactionLove,
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, model.ReactionCounts{Love: 20}, f.cache.Counts(blog))
	assert.Equal(t, f.storeCounts(t, blog), f.cache.Counts(blog))
	assert.Equal(t, 20, f.queue.Len(5))
	assert.Equal(t, 1, f.scheduler.Count())
}

func TestGetReactionCounts_StoreError(t *testing.T) {
	f := newFixture(t)
	f.reactions.CountErr = errors.New("db down")

	_, err := f.svc.GetReactionCounts(context.Background(), model.BlogTarget(5))
	assert.Error(t, err)
}

func TestClearBlogCaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, target := range []model.Target{model.BlogTarget(5), model.CommentTarget(5, 2), model.BlogTarget(6)} {
		_, err := f.svc.GetReactionCounts(ctx, target)
		require.NoError(t, err)
	}

	n, err := f.svc.ClearBlogCaches(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, f.cache.Has(model.BlogTarget(5)))
	assert.False(t, f.cache.Has(model.CommentTarget(5, 2)))
	assert.True(t, f.cache.Has(model.BlogTarget(6)))
}
