package service

import (
	"Murmur/internal/feed"
	"errors"
)

const (
	BadRequest          = 400
	Unauthorized        = 401
	NotFound            = 404
	InternalServerError = 500
)

var (
	ErrParamInvalid      = errors.New("参数错误")
	ErrUserNotFound      = errors.New("用户不存在")
	ErrUserExist         = errors.New("用户名已存在")
	ErrEmailExist        = errors.New("邮箱已注册")
	ErrPasswordIncorrect = errors.New("密码错误")
	ErrSelfConversation  = errors.New("不能与自己创建会话")
	ErrLookupFailed      = errors.New("用户搜索失败")
	ErrResolutionFailed  = errors.New("会话解析失败")
	ErrEmptyMessage      = errors.New("消息内容不能为空")
	ErrSendFailed        = errors.New("消息发送失败")
	UnauthorizedError    = errors.New("权限不足")
	UnExpectedError      = errors.New("系统异常，请稍后重试")

	// ErrSubscriptionFailed 沿用 feed 包的订阅哨兵，跨层 errors.Is 判定一致
	ErrSubscriptionFailed = feed.ErrSubscribeFailed
)

var ErrorMap = map[error]int{
	ErrParamInvalid:       BadRequest,
	ErrUserNotFound:       NotFound,
	ErrUserExist:          BadRequest,
	ErrEmailExist:         BadRequest,
	ErrPasswordIncorrect:  Unauthorized,
	ErrSelfConversation:   BadRequest,
	ErrLookupFailed:       InternalServerError,
	ErrResolutionFailed:   InternalServerError,
	ErrEmptyMessage:       BadRequest,
	ErrSendFailed:         InternalServerError,
	ErrSubscriptionFailed: InternalServerError,
	UnauthorizedError:     Unauthorized,
	UnExpectedError:       InternalServerError,
}

// CodeOf 解析业务码，兼容 %w 包装过的错误
func CodeOf(err error) (int, bool) {
	if code, ok := ErrorMap[err]; ok {
		return code, true
	}
	for sentinel, code := range ErrorMap {
		if errors.Is(err, sentinel) {
			return code, true
		}
	}
	return InternalServerError, false
}
