package service

import (
	"Murmur/internal/api/dto"
	"Murmur/internal/feed"
	"Murmur/internal/model"
	"Murmur/internal/repository"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

// ChatService 单聊核心：会话解析、消息日志、已读追踪与未读聚合
type ChatService interface {
	ResolveConversation(ctx context.Context, selfID, otherID uint64) (*dto.ConversationDTO, error)
	SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*dto.MessageDTO, error)
	GetChatHistory(ctx context.Context, userID, convID, beforeID uint64, limit int) ([]*dto.MessageDTO, error)
	// OpenConversation 打开会话：先加载全量历史，再对快照中对方发来的未读消息统一置位
	OpenConversation(ctx context.Context, userID, convID uint64) ([]*dto.MessageDTO, error)
	MarkAsRead(ctx context.Context, readerID uint64, convID uint64, messageIDs []uint64) (int64, error)
	GetConversationList(ctx context.Context, userID uint64) ([]*dto.ConversationDTO, error)
	IsMember(ctx context.Context, convID, userID uint64) (bool, error)
}

type chatServiceImpl struct {
	convRepo repository.ConversationRepo
	msgRepo  repository.MessageRepo
	userRepo repository.UserRepo
	bus      feed.Publisher
}

func NewChatService(convRepo repository.ConversationRepo, msgRepo repository.MessageRepo,
	userRepo repository.UserRepo, bus feed.Publisher) ChatService {
	return &chatServiceImpl{
		convRepo: convRepo,
		msgRepo:  msgRepo,
		userRepo: userRepo,
		bus:      bus,
	}
}

// ResolveConversation 按无序用户对解析或创建会话，(A,B) 与 (B,A) 恒得同一会话
func (s *chatServiceImpl) ResolveConversation(ctx context.Context, selfID, otherID uint64) (*dto.ConversationDTO, error) {
	if selfID == otherID {
		return nil, ErrSelfConversation
	}

	other, err := s.userRepo.GetByID(ctx, otherID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	key := peerKeyOf(selfID, otherID)
	conv, err := s.convRepo.GetByPeerKey(ctx, key)
	if err == nil {
		return s.toConversationDTO(conv, other), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}

	newConv := &model.Conversation{PeerKey: key}
	participants := []*model.Participant{
		{UserID: selfID},
		{UserID: otherID},
	}
	if err = s.convRepo.Create(ctx, newConv, participants); err != nil {
		// 并发创建撞唯一索引时回读既有会话
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			conv, rerr := s.convRepo.GetByPeerKey(ctx, key)
			if rerr != nil {
				return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, rerr)
			}
			return s.toConversationDTO(conv, other), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	return s.toConversationDTO(newConv, other), nil
}

// SendMessage 发送消息：落库后推送到会话频道
func (s *chatServiceImpl) SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*dto.MessageDTO, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	convID := req.ConversationID
	if convID == 0 {
		if req.TargetUserID == 0 {
			return nil, ErrParamInvalid
		}
		conv, err := s.ResolveConversation(ctx, senderID, req.TargetUserID)
		if err != nil {
			return nil, err
		}
		convID = conv.ConversationID
	} else {
		isMember, err := s.convRepo.IsMember(ctx, convID, senderID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		if !isMember {
			return nil, UnauthorizedError
		}
	}

	msg := &model.Message{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
	}
	if err := s.msgRepo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	res := toMessageDTO(msg)
	res.ClientTag = req.ClientTag
	s.publishMessage(res)
	return res, nil
}

// GetChatHistory 按 (created_at, id) 升序返回历史；beforeID/limit 为可选分页游标
func (s *chatServiceImpl) GetChatHistory(ctx context.Context, userID, convID, beforeID uint64, limit int) ([]*dto.MessageDTO, error) {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil {
		// 成员校验的存储失败按系统错误上抛，不折叠为权限错误
		return nil, fmt.Errorf("%w: %v", UnExpectedError, err)
	}
	if !isMember {
		return nil, UnauthorizedError
	}

	messages, err := s.msgRepo.History(ctx, convID, beforeID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]*dto.MessageDTO, 0, len(messages))
	for _, m := range messages {
		result = append(result, toMessageDTO(m))
	}
	return result, nil
}

// OpenConversation 打开会话的初始加载：先取全量快照，再把快照里对方的未读消息置位
// 加载之后到达的消息由 feed.Reconciler 负责置位，不归这里
func (s *chatServiceImpl) OpenConversation(ctx context.Context, userID, convID uint64) ([]*dto.MessageDTO, error) {
	history, err := s.GetChatHistory(ctx, userID, convID, 0, 0)
	if err != nil {
		return nil, err
	}

	unread := make([]uint64, 0, len(history))
	for _, m := range history {
		if m.SenderID != userID && m.ReadAt == nil {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) == 0 {
		return history, nil
	}

	if _, err = s.MarkAsRead(ctx, userID, convID, unread); err != nil {
		// 已读置位失败不回滚本地快照，仅上报
		log.ErrorContext(ctx, "打开会话时已读置位失败", "convID", convID, "err", err)
		return history, nil
	}

	now := time.Now()
	marked := make(map[uint64]struct{}, len(unread))
	for _, id := range unread {
		marked[id] = struct{}{}
	}
	for _, m := range history {
		if _, ok := marked[m.ID]; ok {
			t := now
			m.ReadAt = &t
		}
	}
	return history, nil
}

// MarkAsRead 已读置位：仅对方发送且未读的消息生效，本人消息与重复置位为空操作
func (s *chatServiceImpl) MarkAsRead(ctx context.Context, readerID uint64, convID uint64, messageIDs []uint64) (int64, error) {
	isMember, err := s.convRepo.IsMember(ctx, convID, readerID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", UnExpectedError, err)
	}
	if !isMember {
		return 0, UnauthorizedError
	}

	marked, err := s.msgRepo.MarkRead(ctx, convID, messageIDs, readerID, time.Now())
	if err != nil {
		return 0, err
	}

	if len(marked) > 0 {
		// 回执只携带本次实际置位的消息
		go s.publishReadReceipt(convID, readerID, marked)
	}
	return int64(len(marked)), nil
}

// GetConversationList 会话列表：按会话创建时间倒序，附未读数与最新消息预览
func (s *chatServiceImpl) GetConversationList(ctx context.Context, userID uint64) ([]*dto.ConversationDTO, error) {
	participants, err := s.convRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return []*dto.ConversationDTO{}, nil
	}

	convIDs := make([]uint64, 0, len(participants))
	peerIDs := make([]uint64, 0, len(participants))
	for _, p := range participants {
		convIDs = append(convIDs, p.ConversationID)
		if peerID, perr := parsePeerID(p.Conversation.PeerKey, userID); perr == nil {
			peerIDs = append(peerIDs, peerID)
		}
	}

	unread, err := s.msgRepo.CountUnread(ctx, convIDs, userID)
	if err != nil {
		return nil, err
	}
	latest, err := s.msgRepo.LatestByConversation(ctx, convIDs)
	if err != nil {
		return nil, err
	}

	peers := make(map[uint64]*model.User)
	if len(peerIDs) > 0 {
		users, uerr := s.userRepo.GetByIDs(ctx, peerIDs)
		if uerr != nil {
			return nil, uerr
		}
		for _, u := range users {
			peers[u.ID] = u
		}
	}

	result := make([]*dto.ConversationDTO, 0, len(participants))
	for _, p := range participants {
		d := &dto.ConversationDTO{
			ConversationID: p.ConversationID,
			CreatedAt:      p.Conversation.CreatedAt,
			UnreadCount:    unread[p.ConversationID],
		}
		if peerID, perr := parsePeerID(p.Conversation.PeerKey, userID); perr == nil {
			d.PeerID = peerID
			if peer, ok := peers[peerID]; ok {
				d.PeerName = peer.Username
				d.PeerAvatarURL = peer.AvatarURL
			}
		}
		if m, ok := latest[p.ConversationID]; ok {
			d.LastMessage = toMessageDTO(m)
		}
		result = append(result, d)
	}
	return result, nil
}

func (s *chatServiceImpl) IsMember(ctx context.Context, convID, userID uint64) (bool, error) {
	return s.convRepo.IsMember(ctx, convID, userID)
}

// publishMessage 发布新消息事件到会话频道，推送失败只上报不回滚
func (s *chatServiceImpl) publishMessage(msg *dto.MessageDTO) {
	data, err := json.Marshal(&feed.Event{
		Type:           feed.EventMessage,
		Message:        msg,
		ConversationID: msg.ConversationID,
	})
	if err != nil {
		log.Error("消息事件序列化失败", "convID", msg.ConversationID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err = s.bus.Publish(ctx, msg.ConversationID, data); err != nil {
		log.Error("消息事件推送失败", "convID", msg.ConversationID, "err", err)
	}
}

// publishReadReceipt 发布已读回执到会话频道
func (s *chatServiceImpl) publishReadReceipt(convID, readerID uint64, messageIDs []uint64) {
	data, err := json.Marshal(&feed.Event{
		Type:           feed.EventReadReceipt,
		ConversationID: convID,
		ReaderID:       readerID,
		MessageIDs:     messageIDs,
	})
	if err != nil {
		log.Error("回执序列化失败", "convID", convID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err = s.bus.Publish(ctx, convID, data); err != nil {
		log.Error("回执推送失败", "convID", convID, "err", err)
	}
}

func (s *chatServiceImpl) toConversationDTO(conv *model.Conversation, peer *model.User) *dto.ConversationDTO {
	return &dto.ConversationDTO{
		ConversationID: conv.ID,
		PeerID:         peer.ID,
		PeerName:       peer.Username,
		PeerAvatarURL:  peer.AvatarURL,
		CreatedAt:      conv.CreatedAt,
	}
}

func toMessageDTO(m *model.Message) *dto.MessageDTO {
	return &dto.MessageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
	}
}

// peerKeyOf 生成无序用户对的有序唯一键
func peerKeyOf(a, b uint64) string {
	if a < b {
		return fmt.Sprintf("%d_%d", a, b)
	}
	return fmt.Sprintf("%d_%d", b, a)
}

func parsePeerID(peerKey string, currentUserID uint64) (uint64, error) {
	var u1, u2 uint64
	if _, err := fmt.Sscanf(peerKey, "%d_%d", &u1, &u2); err != nil {
		return 0, err
	}
	if u1 == currentUserID {
		return u2, nil
	}
	return u1, nil
}
