package model

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrReactionConflict 并发创建同一访客反应，重试后仍冲突
	ErrReactionConflict = errors.New("reaction conflict, please retry")
	// ErrProcessReaction 处理反应失败，事务已回滚
	ErrProcessReaction = errors.New("failed to process reaction")
)

// ValidationError 请求字段校验失败
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" "+e.Fields[name])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidationError 判断是否为校验错误
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
