// Package user はユーザー情報の参照とプロフィール更新を提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/repository"
)

const (
	maxDisplayNameLength = 64
	maxRealNameLength    = 128
)

// TextSanitizer は表示用テキストからマークアップを除去する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo  repository.UserRepository
	sanitizer TextSanitizer
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sanitizer TextSanitizer) *Service {
	return &Service{
		userRepo:  userRepo,
		sanitizer: sanitizer,
	}
}

// Info はユーザーの公開情報を返す。
func (s *Service) Info(ctx context.Context, userID int64) (*model.User, error) {
	if userID <= 0 {
		return nil, model.NewUserNotFoundError()
	}
	user, err := s.userRepo.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// ProfilePicture はユーザーのプロフィール画像（PNG）を返す。
func (s *Service) ProfilePicture(ctx context.Context, userID int64) ([]byte, error) {
	pic, err := s.userRepo.ProfilePicture(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load profile picture: %w", err)
	}
	return pic, nil
}

// UpdateProfile は表示名と本名を更新する。
// プロフィール画像は作成時に生成したものを維持する。
func (s *Service) UpdateProfile(ctx context.Context, userID int64, displayName, realName string) (*model.User, error) {
	displayName = strings.TrimSpace(s.sanitizer.SanitizeText(displayName))
	realName = strings.TrimSpace(s.sanitizer.SanitizeText(realName))

	if displayName == "" || utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return nil, model.NewValidationError("表示名の長さが不正です")
	}
	if utf8.RuneCountInString(realName) > maxRealNameLength {
		return nil, model.NewValidationError("本名が長すぎます")
	}

	user, err := s.userRepo.UpdateProfile(ctx, userID, displayName, realName)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	slog.Info("プロフィールを更新しました",
		slog.Int64("user_id", userID),
	)
	return user, nil
}
