package handler

import (
	"Murmur/internal/api/dto"
	"Murmur/internal/pkg/response"
	"Murmur/internal/service"
	"strings"

	"github.com/gin-gonic/gin"
)

type UserHandler struct {
	userService service.UserService
}

func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// Register 注册接口
func (s *UserHandler) Register(c *gin.Context) {
	var req dto.RegisterReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	res, err := s.userService.Register(c, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Login 登录接口
func (s *UserHandler) Login(c *gin.Context) {
	var req dto.LoginReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	res, err := s.userService.Login(c, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// Logout 登出接口，当前 Token 拉黑至过期
func (s *UserHandler) Logout(c *gin.Context) {
	tokenString := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")

	if err := s.userService.Logout(c, tokenString); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// GetUserInfo 当前用户资料
func (s *UserHandler) GetUserInfo(c *gin.Context) {
	userID := c.GetUint64("userID")

	res, err := s.userService.GetUserInfo(c, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// UpdateUserInfo 修改资料
func (s *UserHandler) UpdateUserInfo(c *gin.Context) {
	var req dto.UpdateUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, err)
		return
	}

	userID := c.GetUint64("userID")

	if err := s.userService.UpdateUserInfo(c, userID, &req); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, nil)
}

// SearchUser 用户目录搜索接口
func (s *UserHandler) SearchUser(c *gin.Context) {
	userID := c.GetUint64("userID")
	keyword := c.Query("q")

	res, err := s.userService.SearchUsers(c, userID, keyword)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}
