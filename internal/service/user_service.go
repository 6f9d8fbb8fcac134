package service

import (
	"Murmur/internal/api/dto"
	"Murmur/internal/model"
	"Murmur/internal/pkg/redis"
	"Murmur/internal/pkg/security"
	"Murmur/internal/repository"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jinzhu/copier"
	"gorm.io/gorm"
)

// searchResultLimit 目录搜索结果上限
const searchResultLimit = 10

type UserService interface {
	Register(ctx context.Context, req *dto.RegisterReq) (*dto.UserDTO, error)
	Login(ctx context.Context, req *dto.LoginReq) (*dto.LoginRes, error)
	Logout(ctx context.Context, tokenString string) error
	GetUserInfo(ctx context.Context, userID uint64) (*dto.UserDTO, error)
	UpdateUserInfo(ctx context.Context, userID uint64, req *dto.UpdateUserReq) error
	SearchUsers(ctx context.Context, selfID uint64, keyword string) ([]*dto.UserDTO, error)
}

type userServiceImpl struct {
	userRepo repository.UserRepo
}

func NewUserService(userRepo repository.UserRepo) UserService {
	return &userServiceImpl{userRepo: userRepo}
}

// Register 注册
func (s *userServiceImpl) Register(ctx context.Context, req *dto.RegisterReq) (*dto.UserDTO, error) {
	if _, err := s.userRepo.GetByUsername(ctx, req.Username); err == nil {
		return nil, ErrUserExist
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if _, err := s.userRepo.GetByEmail(ctx, req.Email); err == nil {
		return nil, ErrEmailExist
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hashed, err := security.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username: req.Username,
		Email:    req.Email,
		Password: &hashed,
	}
	if err = s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	return toUserDTO(user), nil
}

// Login 邮箱密码登录，签发 JWT
func (s *userServiceImpl) Login(ctx context.Context, req *dto.LoginReq) (*dto.LoginRes, error) {
	user, err := s.userRepo.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	if user.Password == nil || security.CheckPasswordHash(req.Password, *user.Password) != nil {
		return nil, ErrPasswordIncorrect
	}

	token, err := security.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &dto.LoginRes{Token: token, User: toUserDTO(user)}, nil
}

// Logout 将 Token 签名拉黑至过期
func (s *userServiceImpl) Logout(ctx context.Context, tokenString string) error {
	signature, err := security.ExtractSignature(tokenString)
	if err != nil {
		return ErrParamInvalid
	}
	return redis.SetWithExpiration(ctx, signature, "revoked", security.JWTExpirationTime)
}

func (s *userServiceImpl) GetUserInfo(ctx context.Context, userID uint64) (*dto.UserDTO, error) {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return toUserDTO(user), nil
}

func (s *userServiceImpl) UpdateUserInfo(ctx context.Context, userID uint64, req *dto.UpdateUserReq) error {
	user, err := s.userRepo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	if req.Username != nil {
		user.Username = *req.Username
	}
	if req.AvatarURL != nil {
		user.AvatarURL = req.AvatarURL
	}
	return s.userRepo.Update(ctx, user)
}

// SearchUsers 目录搜索：用户名或邮箱的大小写不敏感子串匹配，排除自己，上限 10 条
// 空白关键字直接返回空结果，不触发存储查询
func (s *userServiceImpl) SearchUsers(ctx context.Context, selfID uint64, keyword string) ([]*dto.UserDTO, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return []*dto.UserDTO{}, nil
	}

	users, err := s.userRepo.Search(ctx, keyword, selfID, searchResultLimit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	result := make([]*dto.UserDTO, 0, len(users))
	for _, u := range users {
		result = append(result, toUserDTO(u))
	}
	return result, nil
}

func toUserDTO(u *model.User) *dto.UserDTO {
	d := &dto.UserDTO{}
	_ = copier.Copy(d, u)
	d.UserID = u.ID
	return d
}
