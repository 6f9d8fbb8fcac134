package repository

import (
	"Murmur/internal/model"
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type UserRepo interface {
	Create(ctx context.Context, user *model.User) error
	GetByID(ctx context.Context, userID uint64) (*model.User, error)
	GetByIDs(ctx context.Context, userIDs []uint64) ([]*model.User, error)
	GetByUsername(ctx context.Context, username string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	Update(ctx context.Context, user *model.User) error
	Search(ctx context.Context, keyword string, excludeUserID uint64, limit int) ([]*model.User, error)
}

type userRepoImpl struct {
	db *gorm.DB
}

func NewUserRepo(db *gorm.DB) UserRepo {
	return &userRepoImpl{db: db}
}

func (s *userRepoImpl) Create(ctx context.Context, user *model.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return errors.Wrap(err, "create user")
	}
	return nil
}

func (s *userRepoImpl) GetByID(ctx context.Context, userID uint64) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).
		Where("id = ? AND is_delete = 0", userID).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *userRepoImpl) GetByIDs(ctx context.Context, userIDs []uint64) ([]*model.User, error) {
	var users []*model.User
	err := s.db.WithContext(ctx).
		Where("id IN ? AND is_delete = 0", userIDs).
		Find(&users).Error
	if err != nil {
		return nil, errors.Wrap(err, "batch get users")
	}
	return users, nil
}

func (s *userRepoImpl) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).
		Where("username = ? AND is_delete = 0", username).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *userRepoImpl) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	var user model.User
	err := s.db.WithContext(ctx).
		Where("email = ? AND is_delete = 0", email).
		First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *userRepoImpl) Update(ctx context.Context, user *model.User) error {
	if err := s.db.WithContext(ctx).Save(user).Error; err != nil {
		return errors.Wrap(err, "update user")
	}
	return nil
}

// Search 用户名或邮箱的大小写不敏感子串匹配，排除指定用户
func (s *userRepoImpl) Search(ctx context.Context, keyword string, excludeUserID uint64, limit int) ([]*model.User, error) {
	pattern := "%" + strings.ToLower(keyword) + "%"

	var users []*model.User
	err := s.db.WithContext(ctx).
		Where("(LOWER(username) LIKE ? OR LOWER(email) LIKE ?) AND id <> ? AND is_delete = 0",
			pattern, pattern, excludeUserID).
		Order("id").
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, errors.Wrap(err, "search users")
	}
	return users, nil
}
