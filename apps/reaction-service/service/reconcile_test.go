package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/config"
)

func TestReconcile_SkipsWhenLocked(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 0, "v1", model.ReactionLike)

	_, ok, err := f.locks.Acquire(context.Background(), model.GetProcessingKey(5), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, 1, f.queue.Len(5))
	assert.Equal(t, 0, f.reactions.ApplyBatchCalls)
}

func TestReconcile_DrainsInBatches(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 250; i++ {
		f.react(t, 5, 0, fmt.Sprintf("v%d", i), model.ReactionLike)
	}
	f.react(t, 5, 8, "v1", model.ReactionSad)

	result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 251, result.Operations)
	assert.ElementsMatch(t, []model.Target{model.BlogTarget(5), model.CommentTarget(5, 8)}, result.Targets)
	assert.Equal(t, 0, f.queue.Len(5))
	assert.Equal(t, model.ReactionCounts{Like: 250}, f.cache.Counts(model.BlogTarget(5)))
	assert.Equal(t, model.ReactionCounts{Sad: 1}, f.cache.Counts(model.CommentTarget(5, 8)))
	assert.False(t, f.locks.Held(model.GetProcessingKey(5)))
}

func TestReconcile_EmptyQueueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.reactions.Seed(model.Reaction{BlogID: 5, VisitorID: "a", Type: model.ReactionLove, UpdatedAt: f.clock.Now()})
	blog := model.BlogTarget(5)

	// 过期缓存
	require.NoError(t, f.cache.PutCounts(context.Background(), blog, model.CountSnapshot{Counts: model.ReactionCounts{Like: 9}}, time.Hour))

	for i := 0; i < 2; i++ {
		result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Operations)
		assert.Equal(t, 0, f.reactions.ApplyBatchCalls)
		assert.Equal(t, 1, f.reactions.Rows())
		assert.Equal(t, f.storeCounts(t, blog), f.cache.Counts(blog))
	}
	// 没有写入时不推送
	assert.Empty(t, f.notifier.Snapshot())
}

func TestReconcile_FailedBatchIsRequeued(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.react(t, 5, 0, "v2", model.ReactionLove)
	before, err := f.queue.Peek(context.Background(), 5)
	require.NoError(t, err)

	f.reactions.ApplyBatchErr = errors.New("deadlock detected")
	f.clock.Advance(31 * time.Second)

	result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, 0, result.Batches)

	after, err := f.queue.Peek(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.False(t, f.locks.Held(model.GetProcessingKey(5)))
	// 重新安排对账
	assert.Equal(t, 2, f.scheduler.Count())

	f.reactions.ApplyBatchErr = nil
	result, err = f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Operations)
	assert.Equal(t, 0, f.queue.Len(5))
}

func TestReconcile_PopErrorStillRefreshesCache(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.queue.PopErr = errors.New("redis timeout")

	_, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.Error(t, err)
	assert.Equal(t, model.ReactionCounts{Like: 1}, f.cache.Counts(model.BlogTarget(5)))
}

func TestReconcile_DropsMalformedEntries(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.queue.PushRaw(5, "{broken")

	result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Operations)
	assert.Equal(t, 0, f.queue.Len(5))
}

func TestReconcile_ConcurrentTriggers(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 30; i++ {
		f.react(t, 5, 0, fmt.Sprintf("v%d", i), model.ReactionLaugh)
	}

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.reactions.BeforeApply = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	first := make(chan *model.ReconcileResult, 1)
	go func() {
		result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
		assert.NoError(t, err)
		first <- result
	}()
	<-entered

	// 第一次对账持有锁期间，其余触发立即返回且不写存储
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		skipped int
	)
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if result.Skipped {
				skipped++
				assert.Zero(t, result.Operations)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 7, skipped)
	assert.Equal(t, 0, f.reactions.ApplyBatchCalls)

	close(release)
	result := <-first
	assert.False(t, result.Skipped)
	assert.Equal(t, 30, result.Operations)
	assert.Equal(t, 1, f.reactions.ApplyBatchCalls)
	assert.Equal(t, 0, f.queue.Len(5))
	assert.Equal(t, model.ReactionCounts{Laugh: 30}, f.cache.Counts(model.BlogTarget(5)))
}

func TestReconcile_RemoveDuringBatchStaysRemoved(t *testing.T) {
	f := newFixture(t)
	blog := model.BlogTarget(5)
	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.react(t, 5, 0, "v2", model.ReactionLove)

	// 对账取出 v1 的 create 后、写入前，v1 撤销了反应
	var once sync.Once
	f.queue.AfterPop = func(blogID int64, ops []*model.PendingOperation) {
		once.Do(func() {
			res := f.react(t, 5, 0, "v1", model.ReactionRemove)
			assert.Equal(t, model.OperationDelete, res.Operation)
		})
	}

	result, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Operations)

	assert.Equal(t, 1, f.reactions.Rows())
	assert.Equal(t, model.ReactionCounts{Love: 1}, f.storeCounts(t, blog))
	assert.Equal(t, model.ReactionCounts{Love: 1}, f.cache.Counts(blog))
	require.Equal(t, 1, f.queue.Len(5))

	// 排队的 delete 对账后仍然一致，重放旧的 create 也不会复活
	result, err = f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Operations)
	require.NoError(t, f.reactions.ApplyBatch(context.Background(), model.BuildBatch([]*model.PendingOperation{
		{BlogID: 5, VisitorID: "v1", Type: model.ReactionLike, Operation: model.OperationCreate, Timestamp: f.clock.Now().UnixMilli()},
	})))
	assert.Equal(t, model.ReactionCounts{Love: 1}, f.storeCounts(t, blog))
	assert.Equal(t, model.ReactionCounts{Love: 1}, f.cache.Counts(blog))
}

func TestReconcile_ReactAgainAfterRemove(t *testing.T) {
	f := newFixture(t)
	blog := model.BlogTarget(5)

	// 冻结的时钟下同一毫秒内反复操作，时间仍严格递增
	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.react(t, 5, 0, "v1", model.ReactionRemove)
	res := f.react(t, 5, 0, "v1", model.ReactionSad)
	assert.Equal(t, model.MessageCreated, res.Message)
	assert.Equal(t, model.ReactionCounts{Sad: 1}, res.Counts)

	ops, err := f.queue.Peek(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Less(t, ops[0].Timestamp, ops[1].Timestamp)
	assert.Less(t, ops[1].Timestamp, ops[2].Timestamp)

	_, err = f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, model.ReactionCounts{Sad: 1}, f.storeCounts(t, blog))
	assert.Equal(t, model.ReactionCounts{Sad: 1}, f.cache.Counts(blog))
	assert.Equal(t, 0, f.reactions.Tombstones())
}

func TestReconcile_StaleRunKeepsSuccessorLock(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 0, "v1", model.ReactionLike)
	lockKey := model.GetProcessingKey(5)

	// 对账超过锁时长，期间另一个实例获得了锁
	f.reactions.BeforeApply = func() {
		f.clock.Advance(f.svc.Config().ProcessingTimeout + time.Second)
		_, ok, err := f.locks.Acquire(context.Background(), lockKey, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}

	_, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)
	assert.True(t, f.locks.Held(lockKey))
}

func TestReconcile_BroadcastsRefreshedCounts(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 4, "v1", model.ReactionSad)
	before := len(f.notifier.Snapshot())

	_, err := f.svc.ProcessBulkReactionUpdates(context.Background(), 5)
	require.NoError(t, err)

	msgs := f.notifier.Snapshot()[before:]
	require.Len(t, msgs, 1)
	assert.Equal(t, "blog.5.comment.4", msgs[0].Channel)
}

func TestHandleDueTask(t *testing.T) {
	f := newFixture(t)
	f.react(t, 5, 0, "v1", model.ReactionLike)

	assert.Error(t, f.svc.HandleDueTask(context.Background(), "abc"))
	assert.Error(t, f.svc.HandleDueTask(context.Background(), "-1"))
	require.NoError(t, f.svc.HandleDueTask(context.Background(), "5"))
	assert.Equal(t, 0, f.queue.Len(5))
}

func TestLiveCounts_AddsUnmergedPendingOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := model.CommentTarget(5, 2)
	cachedAt := f.clock.Now().Add(-10 * time.Second)

	require.NoError(t, f.cache.PutCounts(ctx, target, model.CountSnapshot{
		Counts: model.ReactionCounts{Like: 2, Sad: 1}, ComputedAt: cachedAt,
	}, time.Hour))

	now := f.clock.Now().UnixMilli()
	pending := []*model.PendingOperation{
		// 已计入缓存
		{BlogID: 5, CommentID: 2, VisitorID: "old", Type: model.ReactionLike, Operation: model.OperationCreate, Timestamp: cachedAt.Add(-time.Second).UnixMilli()},
		{BlogID: 5, CommentID: 2, VisitorID: "a", Type: model.ReactionLove, Operation: model.OperationCreate, Timestamp: now},
		{BlogID: 5, CommentID: 2, VisitorID: "b", Type: model.ReactionLaugh, PreviousType: model.ReactionLike, Operation: model.OperationUpdate, Timestamp: now},
		{BlogID: 5, CommentID: 2, VisitorID: "c", Type: model.ReactionSad, Operation: model.OperationDelete, Timestamp: now},
		// 其他目标
		{BlogID: 5, VisitorID: "d", Type: model.ReactionLike, Operation: model.OperationCreate, Timestamp: now},
		{BlogID: 5, CommentID: 3, VisitorID: "e", Type: model.ReactionLike, Operation: model.OperationCreate, Timestamp: now},
	}
	for _, op := range pending {
		require.NoError(t, f.queue.Push(ctx, op, time.Minute))
	}

	counts, err := f.svc.GetLiveReactionCounts(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, model.ReactionCounts{Like: 1, Love: 1, Laugh: 1}, counts)
}

func TestLiveCounts_FlooredAtZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := model.BlogTarget(5)

	require.NoError(t, f.cache.PutCounts(ctx, target, model.CountSnapshot{
		ComputedAt: f.clock.Now().Add(-time.Minute),
	}, time.Hour))
	require.NoError(t, f.queue.Push(ctx, &model.PendingOperation{
		BlogID: 5, VisitorID: "x", Type: model.ReactionLike, Operation: model.OperationDelete, Timestamp: f.clock.Now().UnixMilli(),
	}, time.Minute))

	counts, err := f.svc.GetLiveReactionCounts(ctx, target)
	require.NoError(t, err)
	assert.True(t, counts.IsZero())
}

func TestLiveCounts_NoDoubleCountAfterReact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	target := model.BlogTarget(5)

	_, err := f.svc.GetReactionCounts(ctx, target)
	require.NoError(t, err)
	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.react(t, 5, 0, "v2", model.ReactionLove)

	counts, err := f.svc.GetLiveReactionCounts(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, model.ReactionCounts{Like: 1, Love: 1}, counts)

	// 缓存缺失时从数据库计算，同样不叠加
	_, err = f.svc.ClearBlogCaches(ctx, 5)
	require.NoError(t, err)
	counts, err = f.svc.GetLiveReactionCounts(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, model.ReactionCounts{Like: 1, Love: 1}, counts)
}

func TestCleanupOldQueues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	push := func(blogID int64, age time.Duration) {
		require.NoError(t, f.queue.Push(ctx, &model.PendingOperation{
			BlogID: blogID, VisitorID: "v", Type: model.ReactionLike, Operation: model.OperationCreate,
			Timestamp: now.Add(-age).UnixMilli(),
		}, time.Minute))
	}
	push(5, 6*time.Minute)
	push(5, time.Minute)
	push(6, 10*time.Minute)
	f.queue.PushRaw(5, "garbage")

	removed, err := f.svc.CleanupOldQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)
	assert.Equal(t, 1, f.queue.Len(5))
	assert.Equal(t, 0, f.queue.Len(6))

	removed, err = f.svc.CleanupOldQueues(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCleanupOldQueues_CustomRetention(t *testing.T) {
	f := newFixture(t, func(c *config.ReactionConfig) { c.QueueRetention = 30 * time.Second })
	ctx := context.Background()

	require.NoError(t, f.queue.Push(ctx, &model.PendingOperation{
		BlogID: 5, VisitorID: "v", Type: model.ReactionLike, Operation: model.OperationCreate,
		Timestamp: f.clock.Now().Add(-time.Minute).UnixMilli(),
	}, time.Minute))

	removed, err := f.svc.CleanupOldQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestCleanupOldQueues_PurgesTombstones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.react(t, 5, 0, "v1", model.ReactionLike)
	f.react(t, 5, 0, "v1", model.ReactionRemove)
	f.react(t, 5, 0, "v2", model.ReactionLike)
	require.Equal(t, 1, f.reactions.Tombstones())

	_, err := f.svc.CleanupOldQueues(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.reactions.Tombstones(), "recent tombstone must survive")

	f.clock.Advance(f.svc.Config().TombstoneRetention + time.Minute)
	_, err = f.svc.CleanupOldQueues(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.reactions.Tombstones())
	assert.Equal(t, 1, f.reactions.Rows())
}

func TestRunCleanup_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		f.svc.RunCleanup(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup loop did not stop")
	}
}
