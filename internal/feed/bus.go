package feed

import (
	"Murmur/internal/api/dto"
	"context"
)

const (
	EventMessage     = "MESSAGE"
	EventReadReceipt = "READ_RECEIPT"
)

// Event 会话频道上的推送事件
type Event struct {
	Type           string          `json:"type"`
	Message        *dto.MessageDTO `json:"message,omitempty"`
	ConversationID uint64          `json:"conversation_id,omitempty"`
	ReaderID       uint64          `json:"reader_id,omitempty"`
	MessageIDs     []uint64        `json:"message_ids,omitempty"`
}

// Publisher 向会话频道发布事件
type Publisher interface {
	Publish(ctx context.Context, convID uint64, payload []byte) error
}

// Bus 按会话 ID 分频道的事件总线
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, convID uint64) (Subscription, error)
}

// Subscription 单个会话频道的订阅句柄
// Close 之后 Events 通道关闭，不再有回调
type Subscription interface {
	Events() <-chan []byte
	Close() error
}
