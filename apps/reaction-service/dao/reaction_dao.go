package dao

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"commentkit/apps/reaction-service/model"
	"commentkit/pkg/database"
)

// targetColumns 唯一索引列
var targetColumns = []clause.Column{
	{Name: "blog_id"},
	{Name: "comment_id"},
	{Name: "visitor_id"},
}

// reactionDAO 反应记录数据访问实现
type reactionDAO struct {
	db *database.PostgreSQL
}

// NewReactionDAO 创建反应DAO实例
func NewReactionDAO(db *database.PostgreSQL) ReactionDAO {
	return &reactionDAO{db: db}
}

// Transaction 在事务内执行 fn
func (d *reactionDAO) Transaction(ctx context.Context, fn func(tx ReactionTx) error) error {
	return d.db.Transaction(ctx, func(tx *gorm.DB) error {
		return fn(&reactionTx{tx: tx})
	})
}

// CountByType 按类型统计目标的反应数，软删除作用域排除墓碑
func (d *reactionDAO) CountByType(ctx context.Context, target model.Target) (model.ReactionCounts, error) {
	var rows []struct {
		Type  model.ReactionType
		Total int64
	}
	err := d.db.WithContext(ctx).
		Model(&model.Reaction{}).
		Select("type, COUNT(*) AS total").
		Where("blog_id = ? AND comment_id = ?", target.BlogID, target.CommentID).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return model.ReactionCounts{}, err
	}

	var counts model.ReactionCounts
	for _, row := range rows {
		counts.Add(row.Type, row.Total)
	}
	return counts, nil
}

// ApplyBatch 批量写入对账结果
//
// 同一键的 updated_at 严格递增，写入只在队列变更更新时生效，
// 因此重放无副作用，早于墓碑的 create/update 也不会复活已撤销的反应。
func (d *reactionDAO) ApplyBatch(ctx context.Context, batch *model.ReconcileBatch) error {
	if batch == nil || batch.Size() == 0 {
		return nil
	}

	return d.db.Transaction(ctx, func(tx *gorm.DB) error {
		if len(batch.Upserts) > 0 {
			err := tx.Clauses(clause.OnConflict{
				Columns:   targetColumns,
				DoUpdates: clause.AssignmentColumns([]string{"type", "updated_at", "deleted_at"}),
				Where: clause.Where{Exprs: []clause.Expression{
					clause.Expr{SQL: "reactions.updated_at < excluded.updated_at"},
				}},
			}).Create(&batch.Upserts).Error
			if err != nil {
				return err
			}
		}

		for _, op := range batch.Deletes {
			at := op.Time()
			err := tx.Model(&model.Reaction{}).
				Where("blog_id = ? AND comment_id = ? AND visitor_id = ? AND updated_at < ?",
					op.BlogID, op.CommentID, op.VisitorID, at).
				UpdateColumns(map[string]interface{}{
					"deleted_at": at,
					"updated_at": at,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// PurgeTombstones 物理删除早于 before 的墓碑
func (d *reactionDAO) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Unscoped().
		Where("deleted_at IS NOT NULL AND deleted_at < ?", before).
		Delete(&model.Reaction{})
	return res.RowsAffected, res.Error
}

// reactionTx 事务内的反应行操作实现
type reactionTx struct {
	tx *gorm.DB
}

// FindReactionForUpdate 加行锁读取，墓碑也返回以便复活并保持时间单调
func (t *reactionTx) FindReactionForUpdate(target model.Target, visitorID string) (*model.Reaction, error) {
	return findReaction(t.tx.Unscoped().Clauses(clause.Locking{Strength: "UPDATE"}), target, visitorID)
}

// CreateReaction 创建反应
func (t *reactionTx) CreateReaction(reaction *model.Reaction) error {
	if err := t.tx.Create(reaction).Error; err != nil {
		if database.IsDuplicateKey(err) {
			return ErrDuplicateReaction
		}
		return err
	}
	return nil
}

// RestoreReaction 复活墓碑
func (t *reactionTx) RestoreReaction(id int64, reactionType model.ReactionType, at time.Time) error {
	return t.tx.Unscoped().Model(&model.Reaction{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"type":       reactionType,
			"created_at": at,
			"updated_at": at,
			"deleted_at": nil,
		}).Error
}

// UpdateReactionType 修改反应类型
func (t *reactionTx) UpdateReactionType(id int64, reactionType model.ReactionType, at time.Time) error {
	return t.tx.Model(&model.Reaction{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"type":       reactionType,
			"updated_at": at,
		}).Error
}

// DeleteReaction 撤销反应，保留墓碑
func (t *reactionTx) DeleteReaction(id int64, at time.Time) error {
	return t.tx.Model(&model.Reaction{}).
		Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"deleted_at": at,
			"updated_at": at,
		}).Error
}

func findReaction(db *gorm.DB, target model.Target, visitorID string) (*model.Reaction, error) {
	var reaction model.Reaction
	err := db.Where("blog_id = ? AND comment_id = ? AND visitor_id = ?",
		target.BlogID, target.CommentID, visitorID).
		Take(&reaction).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &reaction, nil
}
