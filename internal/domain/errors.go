package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMailboxNotFound 邮箱未找到错误
	ErrMailboxNotFound = errors.New("mailbox not found")
	// ErrMessageNotFound 邮件未找到错误
	ErrMessageNotFound = errors.New("message not found")
	// ErrThreadNotFound 会话未找到错误
	ErrThreadNotFound = errors.New("thread not found")
	// ErrJobNotFound 任务未找到错误
	ErrJobNotFound = errors.New("job not found")
)

// AuthError 表示凭证无效或过期。
//
// 该类错误会导致邮箱被停用，只能通过重新接入恢复。
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("auth error during %s", e.Op)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientProviderError 表示可重试的提供商错误（限流、网络抖动等）。
//
// 由任务队列的退避重试机制处理。
type TransientProviderError struct {
	Op  string
	Err error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// DataIntegrityError 表示单封邮件数据异常。
//
// 只记录日志并跳过该邮件，不会中断批次。
type DataIntegrityError struct {
	MessageID string
	Err       error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error for message %s: %v", e.MessageID, e.Err)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

// CryptoError 表示加密系统初始化失败。
//
// 仅在进程启动时出现，属于致命错误，不按业务错误处理。
type CryptoError struct {
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("crypto error: %v", e.Err)
}

func (e *CryptoError) Unwrap() error { return e.Err }

// authIndicators 错误消息中指示认证失败的关键字
var authIndicators = []string{
	"invalid_grant",
	"invalid credentials",
	"unauthorized",
	"token has been expired or revoked",
	"401",
}

// IsAuthError 判断错误是否属于认证失败。
//
// 除了类型匹配外，还对错误消息做关键字兜底匹配，
// 因为提供商 SDK 的部分失败只能从消息文本识别。
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, indicator := range authIndicators {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// IsTransientError 判断错误是否属于可重试的瞬时错误。
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientProviderError
	return errors.As(err, &transient)
}

// IsDataIntegrityError 判断错误是否属于单邮件数据异常。
func IsDataIntegrityError(err error) bool {
	if err == nil {
		return false
	}
	var integrity *DataIntegrityError
	return errors.As(err, &integrity)
}
