package model

import "time"

// Conversation 单聊会话主表
type Conversation struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	PeerKey   string    `gorm:"uniqueIndex;type:varchar(64)" json:"peerKey"` // 有序的 uid1_uid2，唯一标识一对用户
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (Conversation) TableName() string { return "conversations" }

// Participant 会话成员表，单聊固定两行
type Participant struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64    `gorm:"uniqueIndex:idx_conv_user" json:"conversationId"`
	UserID         uint64    `gorm:"uniqueIndex:idx_conv_user;index" json:"userId"`
	JoinedAt       time.Time `json:"joinedAt"`

	Conversation Conversation `gorm:"foreignKey:ConversationID;references:ID" json:"conversation"`
}

func (Participant) TableName() string { return "participants" }
