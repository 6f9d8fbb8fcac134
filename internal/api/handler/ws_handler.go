package handler

import (
	"Murmur/internal/api/dto"
	"Murmur/internal/feed"
	"Murmur/internal/pkg/response"
	"Murmur/internal/pkg/security"
	"Murmur/internal/service"
	"context"
	"fmt"
	log "log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WsHandler struct {
	chatService service.ChatService
	bus         feed.Bus
}

func NewWsHandler(chatService service.ChatService, bus feed.Bus) *WsHandler {
	return &WsHandler{chatService: chatService, bus: bus}
}

// wsEvent 推送给客户端的帧
type wsEvent struct {
	Type       string            `json:"type"`
	Messages   []*dto.MessageDTO `json:"messages,omitempty"`
	Message    *dto.MessageDTO   `json:"message,omitempty"`
	ClientTag  string            `json:"client_tag,omitempty"`
	ReaderID   uint64            `json:"reader_id,omitempty"`
	MessageIDs []uint64          `json:"message_ids,omitempty"`
}

// wsInbound 客户端入站帧
type wsInbound struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Connect 打开单个会话的实时通道：
// 先订阅会话频道，再加载历史快照并统一置位已读，订阅与加载的重叠窗口由按 ID 去重兜底；
// 随后由 Reconciler 接管增量推送，入站 SEND 帧走乐观对账路径
func (s *WsHandler) Connect(c *gin.Context) {
	// 鉴权
	token := c.Query("token")
	if token == "" {
		response.Error(c, service.UnauthorizedError)
		return
	}
	claims, err := security.ValidateToken(token)
	if err != nil {
		log.Warn("WS 鉴权失败", "err", err)
		response.Error(c, service.UnauthorizedError)
		return
	}
	userID := claims.UserID

	convID, _ := strconv.ParseUint(c.Query("conversation_id"), 10, 64)
	isMember, err := s.chatService.IsMember(c, convID, userID)
	if err != nil {
		response.Error(c, fmt.Errorf("%w: %v", service.UnExpectedError, err))
		return
	}
	if !isMember {
		response.Error(c, service.UnauthorizedError)
		return
	}

	// 订阅先于历史加载，加载期间到达的消息经事件路径入列
	rec := feed.NewReconciler(convID, userID, s.bus, s.chatService)
	if err = rec.Open(context.Background()); err != nil {
		log.Error("订阅会话频道失败", "convID", convID, "userID", userID, "err", err)
		response.Error(c, err)
		return
	}
	// 任何退出路径都必须退订
	defer rec.Close()

	// 历史快照 + 快照内未读置位
	history, err := s.chatService.OpenConversation(c, userID, convID)
	if err != nil {
		response.Error(c, err)
		return
	}
	rec.Seed(history)

	// 升级 Websocket
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WS 协议升级失败", "err", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	log.Info("会话 WS 连接已建立", "userID", userID, "convID", convID)

	if err = s.write(conn, &wsEvent{Type: "HISTORY", Messages: history}); err != nil {
		return
	}

	stopChan := make(chan struct{})

	// 读循环：处理入站发送帧，客户端断开时退出
	go func() {
		defer close(stopChan)
		for {
			_, data, rerr := conn.ReadMessage()
			if rerr != nil {
				return
			}
			s.handleInbound(rec, userID, convID, data)
		}
	}()

	// 写循环：消费 Reconciler 的增量并推送至客户端
	for {
		select {
		case upd, ok := <-rec.Updates():
			if !ok {
				return
			}
			if werr := s.write(conn, toWsEvent(&upd)); werr != nil {
				log.Error("WS 推送失败", "userID", userID, "convID", convID, "err", werr)
				return
			}
		case <-stopChan:
			log.Info("会话 WS 连接已断开", "userID", userID, "convID", convID)
			return
		}
	}
}

// handleInbound 入站发送帧走乐观路径：本地先行入列，落库成功后对账、失败则标记
func (s *WsHandler) handleInbound(rec *feed.Reconciler, userID, convID uint64, data []byte) {
	var in wsInbound
	if err := json.Unmarshal(data, &in); err != nil {
		log.Warn("WS 入站帧解析失败", "convID", convID, "err", err)
		return
	}
	if in.Type != "SEND" || strings.TrimSpace(in.Content) == "" {
		return
	}

	entry, err := rec.AppendLocal(in.Content)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msg, err := s.chatService.SendMessage(ctx, userID, &dto.SendMessageReq{
		ConversationID: convID,
		Content:        in.Content,
		ClientTag:      entry.ClientTag,
	})
	if err != nil {
		log.Warn("WS 消息发送失败", "userID", userID, "convID", convID, "err", err)
		rec.FailLocal(entry.ClientTag)
		return
	}
	_ = rec.ConfirmLocal(entry.ClientTag, msg)
}

func (s *WsHandler) write(conn *websocket.Conn, ev *wsEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func toWsEvent(upd *feed.Update) *wsEvent {
	switch upd.Kind {
	case feed.UpdateInserted:
		m := upd.Entry.Message
		return &wsEvent{Type: "MESSAGE", Message: &m}
	case feed.UpdateConfirmed:
		m := upd.Entry.Message
		return &wsEvent{Type: "MESSAGE_CONFIRMED", Message: &m, ClientTag: upd.Entry.ClientTag}
	case feed.UpdateFailed:
		m := upd.Entry.Message
		return &wsEvent{Type: "MESSAGE_FAILED", Message: &m, ClientTag: upd.Entry.ClientTag}
	case feed.UpdateReadReceipt:
		return &wsEvent{Type: "READ_RECEIPT", ReaderID: upd.ReaderID, MessageIDs: upd.MessageIDs}
	}
	return &wsEvent{Type: "UNKNOWN"}
}
