package repository

import (
	"Murmur/internal/model"
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type MessageRepo interface {
	Create(ctx context.Context, msg *model.Message) error
	// History 按 (created_at, id) 升序返回全量历史；beforeID/limit 为可选游标
	History(ctx context.Context, convID uint64, beforeID uint64, limit int) ([]*model.Message, error)
	// MarkRead 条件更新：仅未读且非本人发送的消息会被置位，天然幂等；返回实际置位的消息 ID
	MarkRead(ctx context.Context, convID uint64, messageIDs []uint64, readerID uint64, at time.Time) ([]uint64, error)
	CountUnread(ctx context.Context, convIDs []uint64, userID uint64) (map[uint64]int64, error)
	LatestByConversation(ctx context.Context, convIDs []uint64) (map[uint64]*model.Message, error)
}

type messageRepoImpl struct {
	db *gorm.DB
}

func NewMessageRepo(db *gorm.DB) MessageRepo {
	return &messageRepoImpl{db: db}
}

func (s *messageRepoImpl) Create(ctx context.Context, msg *model.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return errors.Wrap(err, "create message")
	}
	return nil
}

// History 历史消息查询
// beforeID 为当前页面最旧一条消息的 ID，第一页传 0；limit 为 0 时返回全量
func (s *messageRepoImpl) History(ctx context.Context, convID uint64, beforeID uint64, limit int) ([]*model.Message, error) {
	query := s.db.WithContext(ctx).Where("conversation_id = ?", convID)
	if beforeID > 0 {
		query = query.Where("id < ?", beforeID)
	}

	var messages []*model.Message
	if limit > 0 {
		// 分页时取游标前最新的一页，倒序取出后翻转为升序
		err := query.Order("created_at DESC, id DESC").Limit(limit).Find(&messages).Error
		if err != nil {
			return nil, errors.Wrap(err, "load history page")
		}
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
		return messages, nil
	}

	err := query.Order("created_at ASC, id ASC").Find(&messages).Error
	if err != nil {
		return nil, errors.Wrap(err, "load history")
	}
	return messages, nil
}

// MarkRead 已读置位，set-if-null 保证并发下首写生效、重复写为空操作
// 事务内先筛出符合条件的 ID 再更新，返回值供回执发布使用
func (s *messageRepoImpl) MarkRead(ctx context.Context, convID uint64, messageIDs []uint64, readerID uint64, at time.Time) ([]uint64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	var marked []uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.Message{}).
			Where("conversation_id = ? AND id IN ? AND sender_id <> ? AND read_at IS NULL",
				convID, messageIDs, readerID).
			Pluck("id", &marked).Error; err != nil {
			return err
		}
		if len(marked) == 0 {
			return nil
		}
		return tx.Model(&model.Message{}).
			Where("id IN ? AND read_at IS NULL", marked).
			Update("read_at", at).Error
	})
	if err != nil {
		return nil, errors.Wrap(err, "mark read")
	}
	return marked, nil
}

// CountUnread 批量统计各会话中对方发来且未读的消息数
func (s *messageRepoImpl) CountUnread(ctx context.Context, convIDs []uint64, userID uint64) (map[uint64]int64, error) {
	if len(convIDs) == 0 {
		return map[uint64]int64{}, nil
	}

	type row struct {
		ConversationID uint64
		Cnt            int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&model.Message{}).
		Select("conversation_id, COUNT(*) AS cnt").
		Where("conversation_id IN ? AND sender_id <> ? AND read_at IS NULL", convIDs, userID).
		Group("conversation_id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "count unread")
	}

	result := make(map[uint64]int64, len(rows))
	for _, r := range rows {
		result[r.ConversationID] = r.Cnt
	}
	return result, nil
}

// LatestByConversation 批量取各会话最新一条消息做列表预览
// ID 由存储端单调分配且为同时间戳的决胜键，MAX(id) 即 (created_at, id) 序的末尾
func (s *messageRepoImpl) LatestByConversation(ctx context.Context, convIDs []uint64) (map[uint64]*model.Message, error) {
	if len(convIDs) == 0 {
		return map[uint64]*model.Message{}, nil
	}

	var messages []*model.Message
	err := s.db.WithContext(ctx).
		Where("id IN (?)",
			s.db.Model(&model.Message{}).
				Select("MAX(id)").
				Where("conversation_id IN ?", convIDs).
				Group("conversation_id"),
		).
		Find(&messages).Error
	if err != nil {
		return nil, errors.Wrap(err, "load latest messages")
	}

	result := make(map[uint64]*model.Message, len(messages))
	for _, m := range messages {
		result[m.ConversationID] = m
	}
	return result, nil
}
