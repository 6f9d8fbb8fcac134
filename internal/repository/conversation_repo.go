package repository

import (
	"Murmur/internal/model"
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type ConversationRepo interface {
	// Create 同一事务内创建会话与两名成员
	Create(ctx context.Context, conv *model.Conversation, participants []*model.Participant) error
	GetByID(ctx context.Context, convID uint64) (*model.Conversation, error)
	// GetByPeerKey 按参与者对的有序键精确定位会话
	GetByPeerKey(ctx context.Context, peerKey string) (*model.Conversation, error)
	IsMember(ctx context.Context, convID uint64, userID uint64) (bool, error)
	GetParticipants(ctx context.Context, convID uint64) ([]*model.Participant, error)
	ListByUser(ctx context.Context, userID uint64) ([]*model.Participant, error)
	DeleteOrphans(ctx context.Context, before time.Time) (int64, error)
}

type conversationRepoImpl struct {
	db *gorm.DB
}

func NewConversationRepo(db *gorm.DB) ConversationRepo {
	return &conversationRepoImpl{db: db}
}

// Create 开启事务创建会话及双方成员记录
func (s *conversationRepoImpl) Create(ctx context.Context, conv *model.Conversation, participants []*model.Participant) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		for _, p := range participants {
			p.ConversationID = conv.ID
			p.JoinedAt = time.Now()
			if err := tx.Create(p).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "create conversation")
	}
	return nil
}

func (s *conversationRepoImpl) GetByID(ctx context.Context, convID uint64) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).First(&conv, convID).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *conversationRepoImpl) GetByPeerKey(ctx context.Context, peerKey string) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).Where("peer_key = ?", peerKey).First(&conv).Error
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// IsMember 检查用户是否是会话成员
func (s *conversationRepoImpl) IsMember(ctx context.Context, convID uint64, userID uint64) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Participant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "check membership")
	}
	return count > 0, nil
}

func (s *conversationRepoImpl) GetParticipants(ctx context.Context, convID uint64) ([]*model.Participant, error) {
	var participants []*model.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Find(&participants).Error
	if err != nil {
		return nil, errors.Wrap(err, "get participants")
	}
	return participants, nil
}

// ListByUser 联表查询用户全部会话，按会话创建时间倒序，利用嵌套 Model 自动装配
func (s *conversationRepoImpl) ListByUser(ctx context.Context, userID uint64) ([]*model.Participant, error) {
	var participants []*model.Participant
	err := s.db.WithContext(ctx).Table("participants p").
		Select("p.*, "+
			"c.id AS `Conversation__id`, c.peer_key AS `Conversation__peer_key`, "+
			"c.created_at AS `Conversation__created_at`").
		Joins("JOIN conversations c ON p.conversation_id = c.id").
		Where("p.user_id = ?", userID).
		Order("c.created_at DESC, c.id DESC").
		Find(&participants).Error
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return participants, nil
}

// DeleteOrphans 清理创建中途失败的残缺会话：成员数不足 2 且从未有过消息
func (s *conversationRepoImpl) DeleteOrphans(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint64
		err := tx.Raw(`
			SELECT c.id FROM conversations c
			WHERE c.created_at < ?
			  AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.conversation_id = c.id)
			  AND (SELECT COUNT(*) FROM participants p WHERE p.conversation_id = c.id) < 2`,
			before).Scan(&ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err = tx.Where("conversation_id IN ?", ids).Delete(&model.Participant{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&model.Conversation{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "delete orphan conversations")
	}
	return deleted, nil
}
