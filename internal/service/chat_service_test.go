package service

import (
	"Murmur/internal/api/dto"
	"Murmur/internal/feed"
	"Murmur/internal/model"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeConvRepo struct {
	mu             sync.Mutex
	nextID         uint64
	convs          map[uint64]*model.Conversation
	byKey          map[string]uint64
	parts          []*model.Participant
	missLookupOnce bool
	memberErr      error
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		convs: map[uint64]*model.Conversation{},
		byKey: map[string]uint64{},
	}
}

func (f *fakeConvRepo) Create(ctx context.Context, conv *model.Conversation, participants []*model.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byKey[conv.PeerKey]; ok {
		return gorm.ErrDuplicatedKey
	}
	f.nextID++
	conv.ID = f.nextID
	conv.CreatedAt = time.Now()
	f.convs[conv.ID] = conv
	f.byKey[conv.PeerKey] = conv.ID
	for _, p := range participants {
		p.ConversationID = conv.ID
		p.JoinedAt = time.Now()
		f.parts = append(f.parts, p)
	}
	return nil
}

func (f *fakeConvRepo) GetByID(ctx context.Context, convID uint64) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[convID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *conv
	return &c, nil
}

func (f *fakeConvRepo) GetByPeerKey(ctx context.Context, peerKey string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missLookupOnce {
		f.missLookupOnce = false
		return nil, gorm.ErrRecordNotFound
	}
	id, ok := f.byKey[peerKey]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	c := *f.convs[id]
	return &c, nil
}

func (f *fakeConvRepo) IsMember(ctx context.Context, convID uint64, userID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.memberErr != nil {
		return false, f.memberErr
	}
	for _, p := range f.parts {
		if p.ConversationID == convID && p.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeConvRepo) GetParticipants(ctx context.Context, convID uint64) ([]*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Participant
	for _, p := range f.parts {
		if p.ConversationID == convID {
			c := *p
			result = append(result, &c)
		}
	}
	return result, nil
}

func (f *fakeConvRepo) ListByUser(ctx context.Context, userID uint64) ([]*model.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Participant
	for _, p := range f.parts {
		if p.UserID == userID {
			c := *p
			c.Conversation = *f.convs[p.ConversationID]
			result = append(result, &c)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Conversation, result[j].Conversation
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID > b.ID
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return result, nil
}

func (f *fakeConvRepo) DeleteOrphans(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type fakeMessageRepo struct {
	mu     sync.Mutex
	nextID uint64
	msgs   []*model.Message
}

func (f *fakeMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	msg.ID = f.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c := *msg
	f.msgs = append(f.msgs, &c)
	return nil
}

func (f *fakeMessageRepo) History(ctx context.Context, convID uint64, beforeID uint64, limit int) ([]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*model.Message
	for _, m := range f.msgs {
		if m.ConversationID != convID {
			continue
		}
		if beforeID > 0 && m.ID >= beforeID {
			continue
		}
		c := *m
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (f *fakeMessageRepo) MarkRead(ctx context.Context, convID uint64, messageIDs []uint64, readerID uint64, at time.Time) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[uint64]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	var marked []uint64
	for _, m := range f.msgs {
		if _, ok := ids[m.ID]; !ok {
			continue
		}
		if m.ConversationID != convID || m.SenderID == readerID || m.ReadAt != nil {
			continue
		}
		t := at
		m.ReadAt = &t
		marked = append(marked, m.ID)
	}
	return marked, nil
}

func (f *fakeMessageRepo) CountUnread(ctx context.Context, convIDs []uint64, userID uint64) (map[uint64]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[uint64]struct{}, len(convIDs))
	for _, id := range convIDs {
		ids[id] = struct{}{}
	}
	result := map[uint64]int64{}
	for _, m := range f.msgs {
		if _, ok := ids[m.ConversationID]; !ok {
			continue
		}
		if m.SenderID != userID && m.ReadAt == nil {
			result[m.ConversationID]++
		}
	}
	return result, nil
}

func (f *fakeMessageRepo) LatestByConversation(ctx context.Context, convIDs []uint64) (map[uint64]*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := map[uint64]*model.Message{}
	for _, convID := range convIDs {
		for _, m := range f.msgs {
			if m.ConversationID != convID {
				continue
			}
			if prev, ok := result[convID]; !ok || m.ID > prev.ID {
				c := *m
				result[convID] = &c
			}
		}
	}
	return result, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []feed.Event
}

func (f *fakePublisher) Publish(ctx context.Context, convID uint64, payload []byte) error {
	var ev feed.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakePublisher) snapshot() []feed.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.Event(nil), f.events...)
}

type chatFixture struct {
	svc      ChatService
	userRepo *fakeUserRepo
	convRepo *fakeConvRepo
	msgRepo  *fakeMessageRepo
	bus      *fakePublisher
}

func newChatFixture(t *testing.T) *chatFixture {
	t.Helper()
	f := &chatFixture{
		userRepo: newFakeUserRepo(),
		convRepo: newFakeConvRepo(),
		msgRepo:  &fakeMessageRepo{},
		bus:      &fakePublisher{},
	}
	f.svc = NewChatService(f.convRepo, f.msgRepo, f.userRepo, f.bus)
	return f
}

func (f *chatFixture) addUser(t *testing.T, username string) uint64 {
	t.Helper()
	u := &model.User{Username: username, Email: username + "@example.com"}
	require.NoError(t, f.userRepo.Create(context.Background(), u))
	return u.ID
}

func (f *chatFixture) resolve(t *testing.T, selfID, otherID uint64) uint64 {
	t.Helper()
	conv, err := f.svc.ResolveConversation(context.Background(), selfID, otherID)
	require.NoError(t, err)
	return conv.ConversationID
}

func (f *chatFixture) send(t *testing.T, senderID, convID uint64, content string) *dto.MessageDTO {
	t.Helper()
	msg, err := f.svc.SendMessage(context.Background(), senderID, &dto.SendMessageReq{
		ConversationID: convID,
		Content:        content,
	})
	require.NoError(t, err)
	return msg
}

func TestResolveConversationRejectsSelfPair(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")

	_, err := f.svc.ResolveConversation(context.Background(), ahmed, ahmed)
	assert.ErrorIs(t, err, ErrSelfConversation)
}

func TestResolveConversationUnknownPeer(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")

	_, err := f.svc.ResolveConversation(context.Background(), ahmed, 999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestResolveConversationIdempotentAndSymmetric(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")

	first, err := f.svc.ResolveConversation(context.Background(), ahmed, sara)
	require.NoError(t, err)
	assert.Equal(t, sara, first.PeerID)
	assert.Equal(t, "sara", first.PeerName)

	again, err := f.svc.ResolveConversation(context.Background(), ahmed, sara)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, again.ConversationID)

	// (B,A) 与 (A,B) 解析到同一会话
	reversed, err := f.svc.ResolveConversation(context.Background(), sara, ahmed)
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, reversed.ConversationID)
	assert.Equal(t, ahmed, reversed.PeerID)

	participants, err := f.convRepo.GetParticipants(context.Background(), first.ConversationID)
	require.NoError(t, err)
	assert.Len(t, participants, 2)
}

func TestResolveConversationConcurrentCreateFallsBackToWinner(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")

	winnerID := f.resolve(t, ahmed, sara)

	// 模拟并发窗口：查不到既有会话，创建又撞唯一索引，应回读胜者
	f.convRepo.missLookupOnce = true
	conv, err := f.svc.ResolveConversation(context.Background(), sara, ahmed)
	require.NoError(t, err)
	assert.Equal(t, winnerID, conv.ConversationID)
}

func TestSendMessageRejectsBlankContent(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	convID := f.resolve(t, ahmed, sara)

	_, err := f.svc.SendMessage(context.Background(), ahmed, &dto.SendMessageReq{
		ConversationID: convID,
		Content:        "   \t\n",
	})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendMessageRequiresTarget(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")

	_, err := f.svc.SendMessage(context.Background(), ahmed, &dto.SendMessageReq{Content: "hi"})
	assert.ErrorIs(t, err, ErrParamInvalid)
}

func TestSendMessageRejectsNonMember(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	omar := f.addUser(t, "omar")
	convID := f.resolve(t, ahmed, sara)

	_, err := f.svc.SendMessage(context.Background(), omar, &dto.SendMessageReq{
		ConversationID: convID,
		Content:        "hi",
	})
	assert.ErrorIs(t, err, UnauthorizedError)
}

func TestSendMessageResolvesConversationAndPublishes(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")

	msg, err := f.svc.SendMessage(context.Background(), ahmed, &dto.SendMessageReq{
		TargetUserID: sara,
		Content:      "  hello sara  ",
		ClientTag:    "tag-1",
	})
	require.NoError(t, err)
	assert.NotZero(t, msg.ID)
	assert.NotZero(t, msg.ConversationID)
	assert.Equal(t, "hello sara", msg.Content)
	assert.Equal(t, "tag-1", msg.ClientTag)

	events := f.bus.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, feed.EventMessage, events[0].Type)
	require.NotNil(t, events[0].Message)
	assert.Equal(t, msg.ID, events[0].Message.ID)
	assert.Equal(t, "tag-1", events[0].Message.ClientTag)
}

func TestGetChatHistoryTotalOrder(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	convID := f.resolve(t, ahmed, sara)

	// 乱序落库：大 ID 带更早的时间戳，排序须以 (created_at, id) 为准
	base := time.Now().Add(-time.Hour)
	require.NoError(t, f.msgRepo.Create(context.Background(), &model.Message{
		ConversationID: convID, SenderID: ahmed, Content: "m1", CreatedAt: base.Add(2 * time.Second),
	}))
	require.NoError(t, f.msgRepo.Create(context.Background(), &model.Message{
		ConversationID: convID, SenderID: sara, Content: "m2", CreatedAt: base,
	}))
	require.NoError(t, f.msgRepo.Create(context.Background(), &model.Message{
		ConversationID: convID, SenderID: sara, Content: "m3", CreatedAt: base,
	}))

	history, err := f.svc.GetChatHistory(context.Background(), ahmed, convID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "m2", history[0].Content)
	assert.Equal(t, "m3", history[1].Content)
	assert.Equal(t, "m1", history[2].Content)

	omar := f.addUser(t, "omar")
	_, err = f.svc.GetChatHistory(context.Background(), omar, convID, 0, 0)
	assert.ErrorIs(t, err, UnauthorizedError)
}

func TestGetChatHistoryPagination(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	convID := f.resolve(t, ahmed, sara)

	for _, content := range []string{"m1", "m2", "m3", "m4", "m5"} {
		f.send(t, ahmed, convID, content)
	}

	page, err := f.svc.GetChatHistory(context.Background(), ahmed, convID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m4", page[0].Content)
	assert.Equal(t, "m5", page[1].Content)

	prev, err := f.svc.GetChatHistory(context.Background(), ahmed, convID, page[0].ID, 2)
	require.NoError(t, err)
	require.Len(t, prev, 2)
	assert.Equal(t, "m2", prev[0].Content)
	assert.Equal(t, "m3", prev[1].Content)
}

func TestMarkAsReadOnlyAffectsPeerUnread(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	convID := f.resolve(t, ahmed, sara)

	own := f.send(t, ahmed, convID, "from ahmed")
	incoming := f.send(t, sara, convID, "from sara")

	// 本人消息置位为空操作
	affected, err := f.svc.MarkAsRead(context.Background(), ahmed, convID, []uint64{own.ID})
	require.NoError(t, err)
	assert.Zero(t, affected)

	affected, err = f.svc.MarkAsRead(context.Background(), ahmed, convID, []uint64{own.ID, incoming.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	// 回执只携带实际置位的消息，不回带请求里的本人消息
	assert.Eventually(t, func() bool {
		for _, ev := range f.bus.snapshot() {
			if ev.Type == feed.EventReadReceipt && ev.ReaderID == ahmed {
				return assert.ObjectsAreEqual([]uint64{incoming.ID}, ev.MessageIDs)
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "read receipt not published with marked ids")

	// 重复置位幂等，不再发布回执
	before := len(f.bus.snapshot())
	affected, err = f.svc.MarkAsRead(context.Background(), ahmed, convID, []uint64{incoming.ID})
	require.NoError(t, err)
	assert.Zero(t, affected)
	assert.Len(t, f.bus.snapshot(), before)

	_, err = f.svc.MarkAsRead(context.Background(), sara, 999, []uint64{incoming.ID})
	assert.ErrorIs(t, err, UnauthorizedError)
}

func TestMembershipStoreFailureSurfacesCause(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	convID := f.resolve(t, ahmed, sara)
	incoming := f.send(t, sara, convID, "hi")

	// 成员校验的存储失败不得折叠为权限错误，且原因必须随错误上抛
	f.convRepo.memberErr = errors.New("store down: connection refused")

	_, err := f.svc.GetChatHistory(context.Background(), ahmed, convID, 0, 0)
	require.Error(t, err)
	assert.NotErrorIs(t, err, UnauthorizedError)
	assert.ErrorIs(t, err, UnExpectedError)
	assert.ErrorContains(t, err, "connection refused")

	_, err = f.svc.MarkAsRead(context.Background(), ahmed, convID, []uint64{incoming.ID})
	require.Error(t, err)
	assert.NotErrorIs(t, err, UnauthorizedError)
	assert.ErrorIs(t, err, UnExpectedError)
	assert.ErrorContains(t, err, "connection refused")
}

func TestOpenConversationMarksSnapshotRead(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	convID := f.resolve(t, ahmed, sara)

	f.send(t, ahmed, convID, "from ahmed")
	f.send(t, sara, convID, "from sara 1")
	f.send(t, sara, convID, "from sara 2")

	history, err := f.svc.OpenConversation(context.Background(), ahmed, convID)
	require.NoError(t, err)
	require.Len(t, history, 3)

	for _, m := range history {
		if m.SenderID == sara {
			assert.NotNil(t, m.ReadAt, "message %q", m.Content)
		} else {
			assert.Nil(t, m.ReadAt, "own message must stay untouched")
		}
	}

	unread, err := f.msgRepo.CountUnread(context.Background(), []uint64{convID}, ahmed)
	require.NoError(t, err)
	assert.Zero(t, unread[convID])
}

func TestGetConversationList(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	omar := f.addUser(t, "omar")

	saraConv := f.resolve(t, ahmed, sara)
	time.Sleep(5 * time.Millisecond) // 保证会话创建时间可区分
	omarConv := f.resolve(t, ahmed, omar)

	f.send(t, sara, saraConv, "hi")
	f.send(t, sara, saraConv, "are you there")
	last := f.send(t, omar, omarConv, "yo")
	_, err := f.svc.MarkAsRead(context.Background(), ahmed, omarConv, []uint64{last.ID})
	require.NoError(t, err)

	list, err := f.svc.GetConversationList(context.Background(), ahmed)
	require.NoError(t, err)
	require.Len(t, list, 2)

	// 按会话创建时间倒序
	assert.Equal(t, omarConv, list[0].ConversationID)
	assert.Equal(t, omar, list[0].PeerID)
	assert.Equal(t, "omar", list[0].PeerName)
	assert.Zero(t, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, "yo", list[0].LastMessage.Content)

	assert.Equal(t, saraConv, list[1].ConversationID)
	assert.Equal(t, sara, list[1].PeerID)
	assert.Equal(t, int64(2), list[1].UnreadCount)
	require.NotNil(t, list[1].LastMessage)
	assert.Equal(t, "are you there", list[1].LastMessage.Content)
}

func TestUnreadLifecycle(t *testing.T) {
	f := newChatFixture(t)
	ahmed := f.addUser(t, "ahmed")
	sara := f.addUser(t, "sara")
	convID := f.resolve(t, sara, ahmed)

	f.send(t, sara, convID, "msg 1")
	f.send(t, sara, convID, "msg 2")
	f.send(t, sara, convID, "msg 3")

	list, err := f.svc.GetConversationList(context.Background(), ahmed)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].UnreadCount)

	_, err = f.svc.OpenConversation(context.Background(), ahmed, convID)
	require.NoError(t, err)

	list, err = f.svc.GetConversationList(context.Background(), ahmed)
	require.NoError(t, err)
	assert.Zero(t, list[0].UnreadCount)

	// 发送方视角能看到已读时间
	history, err := f.svc.GetChatHistory(context.Background(), sara, convID, 0, 0)
	require.NoError(t, err)
	for _, m := range history {
		assert.NotNil(t, m.ReadAt, "message %q", m.Content)
	}
}
