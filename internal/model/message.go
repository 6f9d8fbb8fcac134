package model

import "time"

// Message 消息明细表
// 排序以 (created_at, id) 为全序；read_at 为空表示对方未读，只写一次不回退
type Message struct {
	ID             uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ConversationID uint64     `gorm:"index:idx_conv_created,priority:1;not null" json:"conversationId"`
	SenderID       uint64     `gorm:"index;not null" json:"senderId"`
	Content        string     `gorm:"type:varchar(2000);not null" json:"content"`
	CreatedAt      time.Time  `gorm:"index:idx_conv_created,priority:2" json:"createdAt"`
	ReadAt         *time.Time `json:"readAt"`
}

func (Message) TableName() string { return "messages" }
