package dto

import "time"

// UserDTO 用户
type UserDTO struct {
	UserID    uint64     `json:"user_id"`
	Username  string     `json:"username"`
	Email     string     `json:"email,omitempty"`
	AvatarURL *string    `json:"avatar_url,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// RegisterReq 注册
type RegisterReq struct {
	Username string `json:"username" binding:"required,min=3,max=20"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=64"`
}

// LoginReq 登录
type LoginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginRes 登录结果
type LoginRes struct {
	Token string   `json:"token"`
	User  *UserDTO `json:"user"`
}

// UpdateUserReq 资料修改
type UpdateUserReq struct {
	Username  *string `json:"username,omitempty" binding:"omitempty,min=3,max=20"`
	AvatarURL *string `json:"avatar_url,omitempty" binding:"omitempty,max=255"`
}
