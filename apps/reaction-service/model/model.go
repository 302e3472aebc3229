package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ReactionType 反应类型
type ReactionType string

// Valid 是否为可持久化的反应类型（不含 remove）
func (t ReactionType) Valid() bool {
	for _, v := range ValidReactionTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Operation 对反应行的变更类型
type Operation string

// Target 反应目标，CommentID 为 0 表示博客本身
type Target struct {
	BlogID    int64 `json:"blog_id"`
	CommentID int64 `json:"comment_id"`
}

// BlogTarget 博客级目标
func BlogTarget(blogID int64) Target {
	return Target{BlogID: blogID}
}

// CommentTarget 评论级目标
func CommentTarget(blogID, commentID int64) Target {
	return Target{BlogID: blogID, CommentID: commentID}
}

// IsBlog 是否为博客级目标
func (t Target) IsBlog() bool {
	return t.CommentID == 0
}

// CommentIDPtr 对外输出时博客级目标的 comment_id 为 null
func (t Target) CommentIDPtr() *int64 {
	if t.IsBlog() {
		return nil
	}
	id := t.CommentID
	return &id
}

// String .
func (t Target) String() string {
	if t.IsBlog() {
		return fmt.Sprintf("blog_%d", t.BlogID)
	}
	return fmt.Sprintf("blog_%d:comment_%d", t.BlogID, t.CommentID)
}

// Reaction 反应记录表，一个访客对一个目标最多一行
// 撤销只写入 deleted_at 留下墓碑，对账重放的旧变更无法越过墓碑的 updated_at
type Reaction struct {
	ID        int64          `json:"id" gorm:"primaryKey;autoIncrement"`
	BlogID    int64          `json:"blog_id" gorm:"not null;uniqueIndex:idx_reaction_target_visitor,priority:1;index:idx_reaction_target_type,priority:1"`
	CommentID int64          `json:"-" gorm:"not null;default:0;uniqueIndex:idx_reaction_target_visitor,priority:2;index:idx_reaction_target_type,priority:2"`
	VisitorID string         `json:"visitor_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_reaction_target_visitor,priority:3"`
	Type      ReactionType   `json:"type" gorm:"type:varchar(16);not null;index:idx_reaction_target_type,priority:3"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName .
func (Reaction) TableName() string {
	return "reactions"
}

// Removed 是否为撤销后留下的墓碑
func (r Reaction) Removed() bool {
	return r.DeletedAt.Valid
}

// Target 反应所属目标
func (r Reaction) Target() Target {
	return Target{BlogID: r.BlogID, CommentID: r.CommentID}
}

// MarshalJSON comment_id 为 0 时输出 null
func (r Reaction) MarshalJSON() ([]byte, error) {
	type alias Reaction
	return json.Marshal(struct {
		alias
		CommentID *int64 `json:"comment_id"`
	}{
		alias:     alias(r),
		CommentID: r.Target().CommentIDPtr(),
	})
}

// ReactionCounts 一个目标的各类型计数，所有类型始终存在
type ReactionCounts struct {
	Like      int64 `json:"like"`
	Love      int64 `json:"love"`
	Laugh     int64 `json:"laugh"`
	Surprised int64 `json:"surprised"`
	Sad       int64 `json:"sad"`
}

// field 返回类型对应的计数字段
func (c *ReactionCounts) field(t ReactionType) *int64 {
	switch t {
	case ReactionLike:
		return &c.Like
	case ReactionLove:
		return &c.Love
	case ReactionLaugh:
		return &c.Laugh
	case ReactionSurprised:
		return &c.Surprised
	case ReactionSad:
		return &c.Sad
	}
	return nil
}

// Add 调整某类型计数，未知类型忽略
func (c *ReactionCounts) Add(t ReactionType, n int64) {
	if f := c.field(t); f != nil {
		*f += n
	}
}

// Get 获取某类型计数
func (c ReactionCounts) Get(t ReactionType) int64 {
	if f := c.field(t); f != nil {
		return *f
	}
	return 0
}

// Merge 逐类型相加
func (c ReactionCounts) Merge(delta ReactionCounts) ReactionCounts {
	for _, t := range ValidReactionTypes {
		c.Add(t, delta.Get(t))
	}
	return c
}

// Floor 负数截断为 0
func (c ReactionCounts) Floor() ReactionCounts {
	for _, t := range ValidReactionTypes {
		if v := c.Get(t); v < 0 {
			c.Add(t, -v)
		}
	}
	return c
}

// Total 所有类型计数之和
func (c ReactionCounts) Total() int64 {
	var total int64
	for _, t := range ValidReactionTypes {
		total += c.Get(t)
	}
	return total
}

// IsZero 是否所有计数为 0
func (c ReactionCounts) IsZero() bool {
	return c == ReactionCounts{}
}

// ToHash 转为 Redis hash 字段
func (c ReactionCounts) ToHash(computedAt time.Time) map[string]interface{} {
	fields := make(map[string]interface{}, len(ValidReactionTypes)+1)
	for _, t := range ValidReactionTypes {
		fields[string(t)] = c.Get(t)
	}
	fields[FieldComputedAt] = computedAt.UnixMilli()
	return fields
}

// CountsFromHash 从 Redis hash 解析计数，缺失字段视为 0
func CountsFromHash(fields map[string]string) (ReactionCounts, error) {
	var counts ReactionCounts
	for _, t := range ValidReactionTypes {
		raw, ok := fields[string(t)]
		if !ok || raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ReactionCounts{}, fmt.Errorf("invalid count for %s: %w", t, err)
		}
		counts.Add(t, v)
	}
	return counts, nil
}

// CountSnapshot 缓存中的计数及其计算时间
type CountSnapshot struct {
	Counts     ReactionCounts
	ComputedAt time.Time
}

// SnapshotFromHash 解析缓存 hash，包含 computed_at
func SnapshotFromHash(fields map[string]string) (CountSnapshot, error) {
	counts, err := CountsFromHash(fields)
	if err != nil {
		return CountSnapshot{}, err
	}
	snapshot := CountSnapshot{Counts: counts}
	if raw, ok := fields[FieldComputedAt]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			snapshot.ComputedAt = time.UnixMilli(ms)
		}
	}
	return snapshot, nil
}

// PendingOperation 待对账队列中的一条变更
type PendingOperation struct {
	BlogID       int64        `json:"blog_id"`
	CommentID    int64        `json:"comment_id"`
	VisitorID    string       `json:"visitor_id"`
	Type         ReactionType `json:"type"`
	PreviousType ReactionType `json:"previous_type,omitempty"`
	Operation    Operation    `json:"operation"`
	Timestamp    int64        `json:"timestamp"` // 毫秒
}

// Target 变更所属目标
func (op *PendingOperation) Target() Target {
	return Target{BlogID: op.BlogID, CommentID: op.CommentID}
}

// Time 变更发生时间
func (op *PendingOperation) Time() time.Time {
	return time.UnixMilli(op.Timestamp)
}

// Delta 该变更对计数的影响
func (op *PendingOperation) Delta() ReactionCounts {
	var delta ReactionCounts
	switch op.Operation {
	case OperationCreate:
		delta.Add(op.Type, 1)
	case OperationDelete:
		delta.Add(op.Type, -1)
	case OperationUpdate:
		if op.PreviousType != "" && op.PreviousType != op.Type {
			delta.Add(op.PreviousType, -1)
			delta.Add(op.Type, 1)
		}
	}
	return delta
}

// Reaction 转为反应行，用于对账时批量写入
func (op *PendingOperation) Reaction() *Reaction {
	at := op.Time()
	return &Reaction{
		BlogID:    op.BlogID,
		CommentID: op.CommentID,
		VisitorID: op.VisitorID,
		Type:      op.Type,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// ReactRequest 提交反应请求
type ReactRequest struct {
	BlogID    int64
	CommentID int64
	VisitorID string
	Type      ReactionType
}

// Target 请求的目标
func (r *ReactRequest) Target() Target {
	return Target{BlogID: r.BlogID, CommentID: r.CommentID}
}

// Validate 校验请求，返回字段级错误
func (r *ReactRequest) Validate() error {
	fields := make(map[string]string)
	if r.BlogID <= 0 {
		fields["blog_id"] = "must be a positive integer"
	}
	if r.CommentID < 0 {
		fields["comment_id"] = "must be a positive integer"
	}
	if strings.TrimSpace(r.VisitorID) == "" {
		fields["visitor_id"] = "is required"
	} else if len(r.VisitorID) > 64 {
		fields["visitor_id"] = "must not exceed 64 characters"
	}
	if r.Type != ReactionRemove && !r.Type.Valid() {
		fields["type"] = "must be one of like, love, laugh, surprised, sad, remove"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// ReactResult 提交反应的结果
type ReactResult struct {
	Message      string         `json:"message"`
	Reaction     *Reaction      `json:"reaction"`
	Operation    Operation      `json:"operation"`
	PreviousType ReactionType   `json:"previous_type,omitempty"`
	Counts       ReactionCounts `json:"counts"`
}

// ReconcileResult 一次对账的结果
type ReconcileResult struct {
	BlogID     int64    `json:"blog_id"`
	Skipped    bool     `json:"skipped"`
	Batches    int      `json:"batches"`
	Operations int      `json:"operations"`
	Targets    []Target `json:"targets"`
}

// CountsUpdate 推送给同一目标其他访客的计数变更
type CountsUpdate struct {
	BlogID    int64          `json:"blog_id"`
	CommentID *int64         `json:"comment_id"`
	Counts    ReactionCounts `json:"counts"`
	Excluding string         `json:"excluding"`
}

// ReactionEvent 发送到Kafka的反应事件
type ReactionEvent struct {
	EventType    Operation      `json:"event_type"`
	BlogID       int64          `json:"blog_id"`
	CommentID    *int64         `json:"comment_id"`
	VisitorID    string         `json:"visitor_id"`
	Type         ReactionType   `json:"type"`
	PreviousType ReactionType   `json:"previous_type,omitempty"`
	Counts       ReactionCounts `json:"counts"`
	Timestamp    time.Time      `json:"timestamp"`
}

// GetCountsKey 聚合计数缓存键
func GetCountsKey(t Target) string {
	return fmt.Sprintf("%s:%s", CacheKeyReactionCounts, t.String())
}

// GetTagKey 博客标签集合键
func GetTagKey(blogID int64) string {
	return fmt.Sprintf("%s:blog_%d", CacheKeyReactionTag, blogID)
}

// GetQueueKey 博客待对账队列键
func GetQueueKey(blogID int64) string {
	return fmt.Sprintf("%s:blog_%d", QueueKeyReaction, blogID)
}

// ParseQueueKey 从队列键解析博客ID
func ParseQueueKey(key string) (int64, bool) {
	raw, ok := strings.CutPrefix(key, QueueKeyReaction+":blog_")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetScheduledKey 已安排对账标记键
func GetScheduledKey(blogID int64) string {
	return fmt.Sprintf("%s:blog_%d", LockKeyBulkScheduled, blogID)
}

// GetProcessingKey 对账进行中锁键
func GetProcessingKey(blogID int64) string {
	return fmt.Sprintf("%s:blog_%d", LockKeyBulkProcessing, blogID)
}

// GetChannel 目标的实时推送频道
func GetChannel(t Target) string {
	if t.IsBlog() {
		return fmt.Sprintf("blog.%d", t.BlogID)
	}
	return fmt.Sprintf("blog.%d.comment.%d", t.BlogID, t.CommentID)
}
