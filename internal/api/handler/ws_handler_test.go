package handler

import (
	"Murmur/internal/api/dto"
	"Murmur/internal/feed"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChatService struct {
	mu      sync.Mutex
	sendErr error
	sent    []*dto.SendMessageReq
}

func (s *stubChatService) SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*dto.MessageDTO, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &dto.MessageDTO{
		ID:             uint64(len(s.sent)),
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        req.Content,
		CreatedAt:      time.Now(),
		ClientTag:      req.ClientTag,
	}, nil
}

func (s *stubChatService) ResolveConversation(ctx context.Context, selfID, otherID uint64) (*dto.ConversationDTO, error) {
	return nil, nil
}

func (s *stubChatService) GetChatHistory(ctx context.Context, userID, convID, beforeID uint64, limit int) ([]*dto.MessageDTO, error) {
	return nil, nil
}

func (s *stubChatService) OpenConversation(ctx context.Context, userID, convID uint64) ([]*dto.MessageDTO, error) {
	return nil, nil
}

func (s *stubChatService) MarkAsRead(ctx context.Context, readerID uint64, convID uint64, messageIDs []uint64) (int64, error) {
	return 0, nil
}

func (s *stubChatService) GetConversationList(ctx context.Context, userID uint64) ([]*dto.ConversationDTO, error) {
	return nil, nil
}

func (s *stubChatService) IsMember(ctx context.Context, convID, userID uint64) (bool, error) {
	return true, nil
}

func (s *stubChatService) sentReqs() []*dto.SendMessageReq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*dto.SendMessageReq(nil), s.sent...)
}

func TestHandleInboundSendConfirmsOptimisticEntry(t *testing.T) {
	stub := &stubChatService{}
	h := NewWsHandler(stub, nil)
	rec := feed.NewReconciler(7, 3, nil, stub)
	defer rec.Close()

	h.handleInbound(rec, 3, 7, []byte(`{"type":"SEND","content":"hi"}`))

	entries := rec.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, feed.StatusConfirmed, entries[0].Status)
	assert.Equal(t, "hi", entries[0].Message.Content)
	assert.NotZero(t, entries[0].Message.ID)

	sent := stub.sentReqs()
	require.Len(t, sent, 1)
	assert.Equal(t, uint64(7), sent[0].ConversationID)
	assert.NotEmpty(t, sent[0].ClientTag)
	assert.Equal(t, entries[0].ClientTag, sent[0].ClientTag)
}

func TestHandleInboundSendFailureKeepsFailedEntry(t *testing.T) {
	stub := &stubChatService{sendErr: assert.AnError}
	h := NewWsHandler(stub, nil)
	rec := feed.NewReconciler(7, 3, nil, stub)
	defer rec.Close()

	h.handleInbound(rec, 3, 7, []byte(`{"type":"SEND","content":"hi"}`))

	entries := rec.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, feed.StatusFailed, entries[0].Status)
}

func TestHandleInboundIgnoresBlankAndUnknownFrames(t *testing.T) {
	stub := &stubChatService{}
	h := NewWsHandler(stub, nil)
	rec := feed.NewReconciler(7, 3, nil, stub)
	defer rec.Close()

	h.handleInbound(rec, 3, 7, []byte(`{"type":"SEND","content":"   "}`))
	h.handleInbound(rec, 3, 7, []byte(`{"type":"PING"}`))
	h.handleInbound(rec, 3, 7, []byte(`not json`))

	assert.Empty(t, rec.Snapshot())
	assert.Empty(t, stub.sentReqs())
}
