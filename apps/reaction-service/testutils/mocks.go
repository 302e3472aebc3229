package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"commentkit/apps/reaction-service/dao"
	"commentkit/apps/reaction-service/model"
)

type rowKey struct {
	target    model.Target
	visitorID string
}

// MemoryReactionDAO 内存版反应存储，事务串行执行并在失败时回滚
// 撤销与数据库实现一样留下墓碑
type MemoryReactionDAO struct {
	txMu   sync.Mutex
	mu     sync.Mutex
	rows   map[rowKey]model.Reaction
	nextID int64

	// 注入的错误
	DuplicateOnCreate int   // 接下来 N 次创建返回唯一冲突
	CommitErr         error // fn 成功后提交失败
	CountErr          error
	ApplyBatchErr     error

	// BeforeApply 在 ApplyBatch 加锁前调用，用于构造并发交错
	BeforeApply func()

	TxCalls         int
	CountCalls      int
	ApplyBatchCalls int
}

// NewMemoryReactionDAO .
func NewMemoryReactionDAO() *MemoryReactionDAO {
	return &MemoryReactionDAO{rows: make(map[rowKey]model.Reaction)}
}

// Transaction 在副本上执行 fn，成功时整体替换
func (m *MemoryReactionDAO) Transaction(_ context.Context, fn func(tx dao.ReactionTx) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	m.TxCalls++
	tx := &memoryTx{parent: m, rows: make(map[rowKey]model.Reaction, len(m.rows)), nextID: m.nextID}
	for k, v := range m.rows {
		tx.rows[k] = v
	}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CommitErr != nil {
		return m.CommitErr
	}
	m.rows = tx.rows
	m.nextID = tx.nextID
	return nil
}

// CountByType .
func (m *MemoryReactionDAO) CountByType(_ context.Context, target model.Target) (model.ReactionCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CountCalls++
	if m.CountErr != nil {
		return model.ReactionCounts{}, m.CountErr
	}

	var counts model.ReactionCounts
	for k, r := range m.rows {
		if k.target == target && !r.Removed() {
			counts.Add(r.Type, 1)
		}
	}
	return counts, nil
}

// ApplyBatch 与数据库实现相同的 updated_at 守卫
func (m *MemoryReactionDAO) ApplyBatch(_ context.Context, batch *model.ReconcileBatch) error {
	if m.BeforeApply != nil {
		m.BeforeApply()
	}

	// 与 Transaction 串行，避免提交时整体替换覆盖本批写入
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ApplyBatchCalls++
	if m.ApplyBatchErr != nil {
		return m.ApplyBatchErr
	}

	for _, up := range batch.Upserts {
		key := rowKey{up.Target(), up.VisitorID}
		existing, ok := m.rows[key]
		if !ok {
			m.nextID++
			row := *up
			row.ID = m.nextID
			m.rows[key] = row
			continue
		}
		if existing.UpdatedAt.Before(up.UpdatedAt) {
			existing.Type = up.Type
			existing.UpdatedAt = up.UpdatedAt
			existing.DeletedAt = gorm.DeletedAt{}
			m.rows[key] = existing
		}
	}
	for _, op := range batch.Deletes {
		key := rowKey{op.Target(), op.VisitorID}
		if existing, ok := m.rows[key]; ok && !existing.Removed() && existing.UpdatedAt.Before(op.Time()) {
			m.rows[key] = tombstone(existing, op.Time())
		}
	}
	return nil
}

// PurgeTombstones .
func (m *MemoryReactionDAO) PurgeTombstones(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.rows {
		if r.Removed() && r.DeletedAt.Time.Before(before) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

// Seed 直接写入一行，不经过队列
func (m *MemoryReactionDAO) Seed(r model.Reaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	r.ID = m.nextID
	m.rows[rowKey{r.Target(), r.VisitorID}] = r
}

// Rows 当前有效反应数，不含墓碑
func (m *MemoryReactionDAO) Rows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if !r.Removed() {
			n++
		}
	}
	return n
}

// Tombstones 当前墓碑数
func (m *MemoryReactionDAO) Tombstones() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.Removed() {
			n++
		}
	}
	return n
}

func tombstone(r model.Reaction, at time.Time) model.Reaction {
	r.UpdatedAt = at
	r.DeletedAt = gorm.DeletedAt{Time: at, Valid: true}
	return r
}

type memoryTx struct {
	parent *MemoryReactionDAO
	rows   map[rowKey]model.Reaction
	nextID int64
}

func (t *memoryTx) FindReactionForUpdate(target model.Target, visitorID string) (*model.Reaction, error) {
	if r, ok := t.rows[rowKey{target, visitorID}]; ok {
		return &r, nil
	}
	return nil, nil
}

func (t *memoryTx) CreateReaction(reaction *model.Reaction) error {
	t.parent.mu.Lock()
	dup := t.parent.DuplicateOnCreate > 0
	if dup {
		t.parent.DuplicateOnCreate--
	}
	t.parent.mu.Unlock()

	key := rowKey{reaction.Target(), reaction.VisitorID}
	if _, exists := t.rows[key]; exists || dup {
		return dao.ErrDuplicateReaction
	}
	t.nextID++
	reaction.ID = t.nextID
	t.rows[key] = *reaction
	return nil
}

func (t *memoryTx) RestoreReaction(id int64, reactionType model.ReactionType, at time.Time) error {
	for k, r := range t.rows {
		if r.ID == id {
			r.Type = reactionType
			r.CreatedAt = at
			r.UpdatedAt = at
			r.DeletedAt = gorm.DeletedAt{}
			t.rows[k] = r
			return nil
		}
	}
	return nil
}

func (t *memoryTx) UpdateReactionType(id int64, reactionType model.ReactionType, at time.Time) error {
	for k, r := range t.rows {
		if r.ID == id {
			r.Type = reactionType
			r.UpdatedAt = at
			t.rows[k] = r
			return nil
		}
	}
	return nil
}

func (t *memoryTx) DeleteReaction(id int64, at time.Time) error {
	for k, r := range t.rows {
		if r.ID == id {
			t.rows[k] = tombstone(r, at)
			return nil
		}
	}
	return nil
}

// MemoryCountCache 内存版计数缓存
type MemoryCountCache struct {
	mu      sync.Mutex
	entries map[model.Target]model.CountSnapshot
	tags    map[int64]map[int64]bool
	Now     func() time.Time

	GetErr   error
	PutErr   error
	DeltaErr error

	PutCalls   int
	DeltaCalls int
	LastTTL    time.Duration
}

// NewMemoryCountCache .
func NewMemoryCountCache() *MemoryCountCache {
	return &MemoryCountCache{
		entries: make(map[model.Target]model.CountSnapshot),
		tags:    make(map[int64]map[int64]bool),
		Now:     time.Now,
	}
}

// GetCounts .
func (c *MemoryCountCache) GetCounts(_ context.Context, target model.Target) (model.CountSnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.GetErr != nil {
		return model.CountSnapshot{}, false, c.GetErr
	}
	s, ok := c.entries[target]
	return s, ok, nil
}

// PutCounts .
func (c *MemoryCountCache) PutCounts(_ context.Context, target model.Target, snapshot model.CountSnapshot, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PutCalls++
	if c.PutErr != nil {
		return c.PutErr
	}
	if snapshot.ComputedAt.IsZero() {
		snapshot.ComputedAt = c.Now()
	}
	c.entries[target] = snapshot
	c.LastTTL = ttl
	if c.tags[target.BlogID] == nil {
		c.tags[target.BlogID] = make(map[int64]bool)
	}
	c.tags[target.BlogID][target.CommentID] = true
	return nil
}

// ApplyDelta .
func (c *MemoryCountCache) ApplyDelta(_ context.Context, target model.Target, delta model.ReactionCounts, computedAt time.Time, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.DeltaCalls++
	if c.DeltaErr != nil {
		return false, c.DeltaErr
	}
	s, ok := c.entries[target]
	if !ok {
		return false, nil
	}
	s.Counts = s.Counts.Merge(delta).Floor()
	if computedAt.IsZero() {
		computedAt = c.Now()
	}
	s.ComputedAt = computedAt
	c.entries[target] = s
	c.LastTTL = ttl
	return true, nil
}

// Forget .
func (c *MemoryCountCache) Forget(_ context.Context, target model.Target) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, target)
	delete(c.tags[target.BlogID], target.CommentID)
	return nil
}

// FlushBlog .
func (c *MemoryCountCache) FlushBlog(_ context.Context, blogID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for target := range c.entries {
		if target.BlogID == blogID {
			delete(c.entries, target)
			n++
		}
	}
	delete(c.tags, blogID)
	return n, nil
}

// TaggedTargets .
func (c *MemoryCountCache) TaggedTargets(_ context.Context, blogID int64) ([]model.Target, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	targets := make([]model.Target, 0, len(c.tags[blogID]))
	for commentID := range c.tags[blogID] {
		targets = append(targets, model.CommentTarget(blogID, commentID))
	}
	return targets, nil
}

// Has 是否缓存了目标
func (c *MemoryCountCache) Has(target model.Target) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[target]
	return ok
}

// Counts 直接读取缓存值
func (c *MemoryCountCache) Counts(target model.Target) model.ReactionCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[target].Counts
}

// MemoryPendingQueue 内存版待对账队列，条目以 JSON 保存
type MemoryPendingQueue struct {
	mu     sync.Mutex
	queues map[int64][]string

	PushErr    error
	PopErr     error
	RequeueErr error

	// AfterPop 在 PopBatch 出队并解锁后调用
	AfterPop func(blogID int64, ops []*model.PendingOperation)

	PushCalls int
	PopCalls  int
	LastTTL   time.Duration
}

// NewMemoryPendingQueue .
func NewMemoryPendingQueue() *MemoryPendingQueue {
	return &MemoryPendingQueue{queues: make(map[int64][]string)}
}

// Push .
func (q *MemoryPendingQueue) Push(_ context.Context, op *model.PendingOperation, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.PushCalls++
	if q.PushErr != nil {
		return q.PushErr
	}
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	q.queues[op.BlogID] = append(q.queues[op.BlogID], string(data))
	q.LastTTL = ttl
	return nil
}

// Remove .
func (q *MemoryPendingQueue) Remove(_ context.Context, op *model.PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	items := q.queues[op.BlogID]
	for i := len(items) - 1; i >= 0; i-- {
		if items[i] == string(data) {
			q.queues[op.BlogID] = append(items[:i:i], items[i+1:]...)
			break
		}
	}
	return nil
}

// PopBatch .
func (q *MemoryPendingQueue) PopBatch(_ context.Context, blogID int64, n int) ([]*model.PendingOperation, int, error) {
	ops, dropped, err := q.pop(blogID, n)
	if err == nil && q.AfterPop != nil && len(ops) > 0 {
		q.AfterPop(blogID, ops)
	}
	return ops, dropped, err
}

func (q *MemoryPendingQueue) pop(blogID int64, n int) ([]*model.PendingOperation, int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.PopCalls++
	if q.PopErr != nil {
		return nil, 0, q.PopErr
	}
	items := q.queues[blogID]
	if n > len(items) {
		n = len(items)
	}
	popped := items[:n]
	q.queues[blogID] = items[n:]
	if len(q.queues[blogID]) == 0 {
		delete(q.queues, blogID)
	}
	ops, dropped := decode(popped)
	return ops, dropped, nil
}

// Requeue .
func (q *MemoryPendingQueue) Requeue(_ context.Context, blogID int64, ops []*model.PendingOperation, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.RequeueErr != nil {
		return q.RequeueErr
	}
	head := make([]string, 0, len(ops))
	for _, op := range ops {
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		head = append(head, string(data))
	}
	q.queues[blogID] = append(head, q.queues[blogID]...)
	q.LastTTL = ttl
	return nil
}

// Peek .
func (q *MemoryPendingQueue) Peek(_ context.Context, blogID int64) ([]*model.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, _ := decode(q.queues[blogID])
	return ops, nil
}

// ListQueueBlogs .
func (q *MemoryPendingQueue) ListQueueBlogs(_ context.Context) ([]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]int64, 0, len(q.queues))
	for id := range q.queues {
		ids = append(ids, id)
	}
	return ids, nil
}

// TrimExpired .
func (q *MemoryPendingQueue) TrimExpired(_ context.Context, blogID int64, cutoff time.Time, _ time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[blogID]
	keep := items[:0:0]
	for _, raw := range items {
		var op model.PendingOperation
		if err := json.Unmarshal([]byte(raw), &op); err == nil && op.Timestamp >= cutoff.UnixMilli() {
			keep = append(keep, raw)
		}
	}
	removed := int64(len(items) - len(keep))
	if len(keep) == 0 {
		delete(q.queues, blogID)
	} else {
		q.queues[blogID] = keep
	}
	return removed, nil
}

// PushRaw 写入原始条目，用于构造损坏数据
func (q *MemoryPendingQueue) PushRaw(blogID int64, raw string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[blogID] = append(q.queues[blogID], raw)
}

// Len 队列长度
func (q *MemoryPendingQueue) Len(blogID int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[blogID])
}

func decode(items []string) ([]*model.PendingOperation, int) {
	ops := make([]*model.PendingOperation, 0, len(items))
	dropped := 0
	for _, raw := range items {
		var op model.PendingOperation
		if err := json.Unmarshal([]byte(raw), &op); err != nil || op.BlogID <= 0 {
			dropped++
			continue
		}
		ops = append(ops, &op)
	}
	return ops, dropped
}

// MemoryLocks 内存版 SETNX 锁，按 Now 判断过期
type MemoryLocks struct {
	mu      sync.Mutex
	holders map[string]memoryLock
	seq     int
	Now     func() time.Time

	AcquireErr   error
	AcquireCalls int
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryLocks .
func NewMemoryLocks() *MemoryLocks {
	return &MemoryLocks{holders: make(map[string]memoryLock), Now: time.Now}
}

// Acquire .
func (l *MemoryLocks) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.AcquireCalls++
	if l.AcquireErr != nil {
		return "", false, l.AcquireErr
	}
	now := l.Now()
	if h, ok := l.holders[key]; ok && now.Before(h.expires) {
		return "", false, nil
	}
	l.seq++
	token := fmt.Sprintf("token-%d", l.seq)
	l.holders[key] = memoryLock{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

// Release 令牌匹配时释放
func (l *MemoryLocks) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holders[key]; ok && h.token == token {
		delete(l.holders, key)
	}
	return nil
}

// Held 锁是否仍然有效
func (l *MemoryLocks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holders[key]
	return ok && l.Now().Before(h.expires)
}

// ScheduledTask 一次延迟调度
type ScheduledTask struct {
	Member string
	At     time.Time
}

// RecordingScheduler 记录调度请求
type RecordingScheduler struct {
	mu    sync.Mutex
	Tasks []ScheduledTask
	Err   error
}

// Schedule .
func (s *RecordingScheduler) Schedule(_ context.Context, member string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Tasks = append(s.Tasks, ScheduledTask{Member: member, At: at})
	return nil
}

// Count .
func (s *RecordingScheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Tasks)
}

// Published 一条发布记录
type Published struct {
	Channel string
	Message []byte
}

// RecordingNotifier 记录实时推送
type RecordingNotifier struct {
	mu       sync.Mutex
	Messages []Published
	Err      error
}

// Publish .
func (n *RecordingNotifier) Publish(_ context.Context, channel string, message interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.Err != nil {
		return n.Err
	}
	var data []byte
	switch m := message.(type) {
	case []byte:
		data = m
	case string:
		data = []byte(m)
	default:
		return errors.New("unsupported message type")
	}
	n.Messages = append(n.Messages, Published{Channel: channel, Message: data})
	return nil
}

// Snapshot 当前记录副本
func (n *RecordingNotifier) Snapshot() []Published {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Published(nil), n.Messages...)
}

// SentMessage 一条Kafka消息
type SentMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

// RecordingProducer 记录事件发送
type RecordingProducer struct {
	mu       sync.Mutex
	Messages []SentMessage
	Err      error
}

// SendMessage .
func (p *RecordingProducer) SendMessage(topic string, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Messages = append(p.Messages, SentMessage{Topic: topic, Key: key, Value: value})
	return nil
}

// Snapshot 当前记录副本
func (p *RecordingProducer) Snapshot() []SentMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SentMessage(nil), p.Messages...)
}
