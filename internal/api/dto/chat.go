package dto

import "time"

// ResolveConversationReq 解析会话请求体
type ResolveConversationReq struct {
	TargetUserID uint64 `json:"target_user_id" binding:"required"`
}

// SendMessageReq 发送消息请求体
// conversation_id 为 0 时按 target_user_id 先行解析会话
type SendMessageReq struct {
	ConversationID uint64 `json:"conversation_id"`
	TargetUserID   uint64 `json:"target_user_id"`
	Content        string `json:"content" binding:"required"`
	ClientTag      string `json:"client_tag"` // 客户端乐观消息的临时标识，推送时原样回带
}

// MarkAsReadReq 标记为已读请求
type MarkAsReadReq struct {
	ConversationID uint64   `json:"conversation_id" binding:"required"`
	MessageIDs     []uint64 `json:"message_ids" binding:"required"`
}

// MessageDTO 消息明细响应
type MessageDTO struct {
	ID             uint64     `json:"id"`
	ConversationID uint64     `json:"conversation_id"`
	SenderID       uint64     `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	ReadAt         *time.Time `json:"readAt,omitempty"`
	ClientTag      string     `json:"client_tag,omitempty"`
}

// ConversationDTO 会话列表项响应
type ConversationDTO struct {
	ConversationID uint64      `json:"conversation_id"`
	PeerID         uint64      `json:"peer_id"`
	PeerName       string      `json:"peer_name,omitempty"`
	PeerAvatarURL  *string     `json:"peer_avatar_url,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UnreadCount    int64       `json:"unreadCount"`
	LastMessage    *MessageDTO `json:"last_message,omitempty"`
}
