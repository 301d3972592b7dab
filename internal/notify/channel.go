// Package notify 消费低库存事件日志，按订阅和渠道偏好生成通知并投递。
//
// 日志是至少一次投递，(event_id, user_id, channel) 唯一的通知记录把效果收敛为恰好一次。
package notify

import (
	"context"
	"errors"
	"fmt"

	"inventory_engine/internal/model"
)

// Channel 一种投递方式。Send 必须尊重 ctx 的期限。
type Channel interface {
	Kind() model.Channel
	Send(ctx context.Context, n model.Notification) error
}

// TransientError 可重试的投递失败（网络抖动、限流、4xx SMTP 回复等）。
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError 重试也不会成功的失败（地址无效、5xx SMTP 回复等）。
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent 未分类的错误按可重试处理。
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
