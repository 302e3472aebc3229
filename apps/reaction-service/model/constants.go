package model

// 反应类型
const (
	ReactionLike      ReactionType = "like"      // 喜欢
	ReactionLove      ReactionType = "love"      // 爱心
	ReactionLaugh     ReactionType = "laugh"     // 大笑
	ReactionSurprised ReactionType = "surprised" // 惊讶
	ReactionSad       ReactionType = "sad"       // 难过

	// ReactionRemove 仅出现在请求中，表示撤销当前反应
	ReactionRemove ReactionType = "remove"
)

// 待对账操作类型
const (
	OperationNone   Operation = "none"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// 返回给调用方的提示信息
const (
	MessageCreated   = "Reaction created successfully"
	MessageUpdated   = "Reaction updated successfully"
	MessageDeleted   = "Reaction deleted successfully"
	MessageUnchanged = "Reaction unchanged"
	MessageNoop      = "No reaction to remove"
)

// Redis键前缀
const (
	CacheKeyReactionCounts = "reaction_counts"       // 聚合计数 hash
	CacheKeyReactionTag    = "reaction_tag"          // 博客下所有计数键的集合
	QueueKeyReaction       = "reaction_queue"        // 待对账队列
	LockKeyBulkScheduled   = "bulk_update_scheduled" // 已安排对账
	LockKeyBulkProcessing  = "bulk_processing"       // 对账进行中
	DelayKeyReconcile      = "reaction_reconcile_due"
)

// 计数 hash 中的时间字段
const FieldComputedAt = "computed_at"

// 队列扫描
const (
	QueueScanPattern = QueueKeyReaction + ":blog_*"
	QueueScanCount   = 200
)

// ChannelPattern 订阅所有博客及评论的推送频道
const ChannelPattern = "blog.*"

// Kafka主题
const TopicReactionEvents = "reaction-events"

// 有效的反应类型列表，顺序即计数字段顺序
var ValidReactionTypes = []ReactionType{
	ReactionLike,
	ReactionLove,
	ReactionLaugh,
	ReactionSurprised,
	ReactionSad,
}
