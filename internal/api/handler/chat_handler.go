package handler

import (
	"Murmur/internal/api/dto"
	"Murmur/internal/pkg/response"
	"Murmur/internal/service"
	"strconv"

	"github.com/gin-gonic/gin"
)

type ChatHandler struct {
	chatService service.ChatService
}

func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

// ResolveConversation 解析会话接口：与目标用户的会话不存在时创建
func (s *ChatHandler) ResolveConversation(c *gin.Context) {
	var req dto.ResolveConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("userID")

	res, err := s.chatService.ResolveConversation(c, userID, req.TargetUserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// SendMessage 发送消息接口
func (s *ChatHandler) SendMessage(c *gin.Context) {
	var req dto.SendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	senderID := c.GetUint64("userID")

	res, err := s.chatService.SendMessage(c, senderID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetChatHistory 获取历史消息
func (s *ChatHandler) GetChatHistory(c *gin.Context) {
	convID, _ := strconv.ParseUint(c.Query("conversation_id"), 10, 64)
	beforeID, _ := strconv.ParseUint(c.Query("before_id"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	userID := c.GetUint64("userID")

	res, err := s.chatService.GetChatHistory(c, userID, convID, beforeID, limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// MarkAsRead 标记已读接口
func (s *ChatHandler) MarkAsRead(c *gin.Context) {
	var req dto.MarkAsReadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("userID")

	affected, err := s.chatService.MarkAsRead(c, userID, req.ConversationID, req.MessageIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"marked": affected})
}

// GetConversationList 获取会话列表
func (s *ChatHandler) GetConversationList(c *gin.Context) {
	userID := c.GetUint64("userID")
	res, err := s.chatService.GetConversationList(c, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}
