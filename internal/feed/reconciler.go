package feed

import (
	"Murmur/internal/api/dto"
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// State 订阅状态机：Subscribing → Active → Closed，不可逆
type State int32

const (
	StateSubscribing State = iota
	StateActive
	StateClosed
)

// Status 本地消息状态
type Status int8

const (
	StatusConfirmed Status = iota
	StatusPending
	StatusFailed
)

type UpdateKind int8

const (
	UpdateInserted UpdateKind = iota
	UpdateConfirmed
	UpdateFailed
	UpdateReadReceipt
)

// Entry 本地视图中的一条消息
type Entry struct {
	Message   dto.MessageDTO
	Status    Status
	ClientTag string
}

// Update 推送给视图消费方的增量
type Update struct {
	Kind       UpdateKind
	Entry      Entry
	ReaderID   uint64
	MessageIDs []uint64
}

// ReadMarker 已读回写依赖，由消息服务实现
type ReadMarker interface {
	MarkAsRead(ctx context.Context, readerID uint64, convID uint64, messageIDs []uint64) (int64, error)
}

var (
	ErrClosed          = errors.New("reconciler closed")
	ErrSubscribeFailed = errors.New("会话订阅失败")
)

// Reconciler 维护单个打开会话的本地有序消息视图：
// 接入会话频道的推送事件，按 (created_at, id) 全序拼接进本地快照，
// 按 ID 去重，对端消息到达即回写已读，本端乐观消息按 ClientTag 对账。
type Reconciler struct {
	convID   uint64
	viewerID uint64
	bus      Bus
	marker   ReadMarker

	mu      sync.Mutex
	state   State
	entries []*Entry
	seen    map[uint64]struct{}
	pending map[string]*Entry

	sub     Subscription
	updates chan Update
	done    chan struct{}
	once    sync.Once
}

func NewReconciler(convID, viewerID uint64, bus Bus, marker ReadMarker) *Reconciler {
	return &Reconciler{
		convID:   convID,
		viewerID: viewerID,
		bus:      bus,
		marker:   marker,
		state:    StateSubscribing,
		seen:     make(map[uint64]struct{}),
		pending:  make(map[string]*Entry),
		updates:  make(chan Update, 64),
		done:     make(chan struct{}),
	}
}

// Seed 用已加载的历史快照初始化本地视图
// 订阅先行时事件路径可能已插入快照内的消息，按 ID 去重兜底
func (s *Reconciler) Seed(messages []*dto.MessageDTO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	for _, m := range messages {
		if _, ok := s.seen[m.ID]; ok {
			continue
		}
		s.insertLocked(&Entry{Message: *m, Status: StatusConfirmed})
		s.seen[m.ID] = struct{}{}
	}
}

// Open 订阅会话频道并进入 Active；订阅失败时状态保持不变
func (s *Reconciler) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateSubscribing {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	sub, err := s.bus.Subscribe(ctx, s.convID)
	if err != nil {
		return fmt.Errorf("%w: conversation %d: %v", ErrSubscribeFailed, s.convID, err)
	}

	s.mu.Lock()
	if s.state == StateClosed {
		// 订阅期间被关闭，立即回收句柄
		s.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	s.sub = sub
	s.state = StateActive
	s.mu.Unlock()

	go s.loop(sub)
	return nil
}

func (s *Reconciler) loop(sub Subscription) {
	for {
		select {
		case payload, ok := <-sub.Events():
			if !ok {
				return
			}
			s.dispatch(payload)
		case <-s.done:
			return
		}
	}
}

func (s *Reconciler) dispatch(payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Warn("事件解析失败，丢弃", "convID", s.convID, "err", err)
		return
	}

	switch ev.Type {
	case EventMessage:
		if ev.Message != nil {
			s.onMessage(ev.Message)
		}
	case EventReadReceipt:
		s.onReadReceipt(&ev)
	}
}

// onMessage 新消息事件的对账入口
func (s *Reconciler) onMessage(msg *dto.MessageDTO) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 已关闭的订阅不再改动视图
	if s.state != StateActive {
		return
	}
	// 按 ID 去重，内容相同的合法重复消息不受影响
	if _, ok := s.seen[msg.ID]; ok {
		return
	}

	if msg.SenderID == s.viewerID {
		// 本端消息：优先按 ClientTag 对账乐观条目
		if msg.ClientTag != "" {
			if e, ok := s.pending[msg.ClientTag]; ok {
				s.confirmLocked(e, msg)
				return
			}
		}
		// 本人在另一端发送的消息，直接入列
		s.insertLocked(&Entry{Message: *msg, Status: StatusConfirmed, ClientTag: msg.ClientTag})
		s.seen[msg.ID] = struct{}{}
		s.emit(Update{Kind: UpdateInserted, Entry: Entry{Message: *msg, Status: StatusConfirmed}})
		return
	}

	// 对端消息：会话处于打开状态，立即回写已读并在本地置位
	now := time.Now()
	local := *msg
	local.ReadAt = &now
	s.insertLocked(&Entry{Message: local, Status: StatusConfirmed})
	s.seen[msg.ID] = struct{}{}
	s.emit(Update{Kind: UpdateInserted, Entry: Entry{Message: local, Status: StatusConfirmed}})

	go s.markRead(msg.ID)
}

func (s *Reconciler) markRead(messageID uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := s.marker.MarkAsRead(ctx, s.viewerID, s.convID, []uint64{messageID}); err != nil {
		log.Error("自动已读回写失败", "convID", s.convID, "messageID", messageID, "err", err)
	}
}

// onReadReceipt 对端已读回执：置位本端已发消息的已读时间
func (s *Reconciler) onReadReceipt(ev *Event) {
	if ev.ReaderID == s.viewerID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return
	}

	now := time.Now()
	marked := make([]uint64, 0, len(ev.MessageIDs))
	for _, id := range ev.MessageIDs {
		for _, e := range s.entries {
			if e.Message.ID == id && e.Message.SenderID == s.viewerID && e.Message.ReadAt == nil {
				t := now
				e.Message.ReadAt = &t
				marked = append(marked, id)
			}
		}
	}
	if len(marked) > 0 {
		s.emit(Update{Kind: UpdateReadReceipt, ReaderID: ev.ReaderID, MessageIDs: marked})
	}
}

// AppendLocal 乐观追加：本地先行插入 Pending 条目，返回用于对账的 ClientTag
func (s *Reconciler) AppendLocal(content string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return Entry{}, ErrClosed
	}

	e := &Entry{
		Message: dto.MessageDTO{
			ConversationID: s.convID,
			SenderID:       s.viewerID,
			Content:        content,
			CreatedAt:      time.Now(),
		},
		Status:    StatusPending,
		ClientTag: uuid.NewString(),
	}
	e.Message.ClientTag = e.ClientTag
	s.insertLocked(e)
	s.pending[e.ClientTag] = e
	return *e, nil
}

// ConfirmLocal 服务端持久化成功后的对账入口；与推送事件的对账互为幂等
func (s *Reconciler) ConfirmLocal(clientTag string, msg *dto.MessageDTO) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrClosed
	}
	if _, ok := s.seen[msg.ID]; ok {
		delete(s.pending, clientTag)
		return nil
	}
	e, ok := s.pending[clientTag]
	if !ok {
		return nil
	}
	s.confirmLocked(e, msg)
	return nil
}

// FailLocal 持久化失败：条目标记为 Failed 并保留在视图中，不静默丢弃
func (s *Reconciler) FailLocal(clientTag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	e, ok := s.pending[clientTag]
	if !ok {
		return
	}
	e.Status = StatusFailed
	delete(s.pending, clientTag)
	s.emit(Update{Kind: UpdateFailed, Entry: *e})
}

// confirmLocked 将 Pending 条目升级为服务端确认的消息，并按服务端时间戳重新定位
func (s *Reconciler) confirmLocked(e *Entry, msg *dto.MessageDTO) {
	s.removeLocked(e)
	tag := e.ClientTag
	e.Message = *msg
	e.Message.ClientTag = tag
	e.Status = StatusConfirmed
	s.insertLocked(e)
	s.seen[msg.ID] = struct{}{}
	delete(s.pending, tag)
	s.emit(Update{Kind: UpdateConfirmed, Entry: *e})
}

// insertLocked 按 (created_at, id) 全序定位插入点，容忍乱序到达
func (s *Reconciler) insertLocked(e *Entry) {
	idx := sort.Search(len(s.entries), func(i int) bool {
		return messageLess(&e.Message, &s.entries[i].Message)
	})
	s.entries = append(s.entries, nil)
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = e
}

func (s *Reconciler) removeLocked(target *Entry) {
	for i, e := range s.entries {
		if e == target {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func messageLess(a, b *dto.MessageDTO) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// emit 非阻塞推送，消费方跟不上时丢弃增量（全量可随时经 Snapshot 取回）
func (s *Reconciler) emit(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}

// Snapshot 当前有序视图的拷贝
func (s *Reconciler) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		result[i] = *e
	}
	return result
}

func (s *Reconciler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Reconciler) Updates() <-chan Update {
	return s.updates
}

func (s *Reconciler) Done() <-chan struct{} {
	return s.done
}

// Close 幂等关闭：退订频道并冻结视图，任何退出路径都必须走到这里
func (s *Reconciler) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		sub := s.sub
		s.sub = nil
		close(s.done)
		close(s.updates)
		s.mu.Unlock()

		if sub != nil {
			_ = sub.Close()
		}
	})
}
