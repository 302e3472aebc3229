package model

// ReconcileBatch 合并后的一批对账写入
type ReconcileBatch struct {
	Upserts []*Reaction         // create/update 合并为按时间守卫的 upsert
	Deletes []*PendingOperation // 按时间守卫的删除
	Targets []Target            // 本批涉及的目标，按首次出现顺序
}

// Size 本批写入条数
func (b *ReconcileBatch) Size() int {
	return len(b.Upserts) + len(b.Deletes)
}

type batchKey struct {
	target    Target
	visitorID string
}

// BuildBatch 合并同一访客对同一目标的多次变更，只保留最后一次
func BuildBatch(ops []*PendingOperation) *ReconcileBatch {
	batch := &ReconcileBatch{}
	latest := make(map[batchKey]*PendingOperation, len(ops))
	order := make([]batchKey, 0, len(ops))
	seenTarget := make(map[Target]bool)

	for _, op := range ops {
		if op == nil {
			continue
		}
		key := batchKey{target: op.Target(), visitorID: op.VisitorID}
		prev, exists := latest[key]
		if !exists {
			order = append(order, key)
		}
		if !exists || op.Timestamp >= prev.Timestamp {
			latest[key] = op
		}
		if !seenTarget[key.target] {
			seenTarget[key.target] = true
			batch.Targets = append(batch.Targets, key.target)
		}
	}

	for _, key := range order {
		op := latest[key]
		switch op.Operation {
		case OperationCreate, OperationUpdate:
			if op.Type.Valid() {
				batch.Upserts = append(batch.Upserts, op.Reaction())
			}
		case OperationDelete:
			batch.Deletes = append(batch.Deletes, op)
		}
	}
	return batch
}
