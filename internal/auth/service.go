// Package auth はパスワード資格情報の管理、セッショントークン、ユーザー登録とログインを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/repository"
)

// 入力値の上限
const (
	maxEmailLength       = 254
	maxPasswordBytes     = 1024
	maxDisplayNameLength = 64
	maxRealNameLength    = 128
)

// CredentialHasher はパスワードのハッシュ化と照合のインターフェース。
type CredentialHasher interface {
	Hash(password string) (string, error)
	Verify(record, password string) (bool, error)
	VerifyDummy(password string)
}

// IdenticonFunc はシード文字列から決定的なプロフィール画像（PNG）を生成する。
type IdenticonFunc func(seed string) ([]byte, error)

// TextSanitizer は表示用テキストからマークアップを除去する。
type TextSanitizer interface {
	SanitizeText(s string) string
}

// Service はユーザー登録とログインのビジネスロジックを提供する。
type Service struct {
	userRepo  repository.UserRepository
	hasher    CredentialHasher
	identicon IdenticonFunc
	sanitizer TextSanitizer
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	hasher CredentialHasher,
	identicon IdenticonFunc,
	sanitizer TextSanitizer,
) *Service {
	return &Service{
		userRepo:  userRepo,
		hasher:    hasher,
		identicon: identicon,
		sanitizer: sanitizer,
	}
}

// NormalizeEmail はメールアドレスを比較用に正規化する。
// 一意性は大文字小文字を区別しない。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Signup はユーザーを登録する。
// プロフィール画像は表示名・メールアドレス・本名から作成時に1回だけ生成する。
func (s *Service) Signup(ctx context.Context, reg model.Registration) (*model.User, error) {
	email := NormalizeEmail(reg.Email)
	displayName := strings.TrimSpace(s.sanitizer.SanitizeText(reg.DisplayName))
	realName := strings.TrimSpace(s.sanitizer.SanitizeText(reg.RealName))

	if err := validateRegistration(email, reg.Password, displayName, realName); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash credential: %w", err)
	}

	pic, err := s.identicon(displayName + email + realName)
	if err != nil {
		return nil, fmt.Errorf("failed to generate profile picture: %w", err)
	}

	user := &model.User{
		CredentialHash: hash,
		Email:          email,
		DisplayName:    displayName,
		RealName:       realName,
		ProfilePic:     pic,
	}

	if _, err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrEmailTaken) {
			return nil, model.NewEmailAlreadyExistsError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("ユーザーを登録しました",
		slog.Int64("user_id", user.ID),
	)

	return user, nil
}

// Login はメールアドレスとパスワードでユーザーを認証する。
// メールアドレスが存在しない場合とパスワードが一致しない場合は同じエラーを返し、
// 同じ計算量を消費する。
func (s *Service) Login(ctx context.Context, email, password string) (*model.User, error) {
	user, err := s.userRepo.FindByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, repository.ErrNotFound) {
		s.hasher.VerifyDummy(password)
		return nil, model.NewLoginFailedError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}

	ok, err := s.hasher.Verify(user.CredentialHash, password)
	if err != nil {
		slog.Error("資格情報レコードの検証に失敗しました",
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to verify credential: %w", err)
	}
	if !ok {
		return nil, model.NewLoginFailedError()
	}

	return user, nil
}

// CurrentUser はセッションで識別されたユーザーを返す。
func (s *Service) CurrentUser(ctx context.Context, userID int64) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewUserNotFoundError()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

func validateRegistration(email, password, displayName, realName string) error {
	if email == "" || len(email) > maxEmailLength {
		return model.NewValidationError("メールアドレスの長さが不正です")
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return model.NewValidationError("メールアドレスの形式が不正です")
	}
	if password == "" || len(password) > maxPasswordBytes {
		return model.NewValidationError("パスワードの長さが不正です")
	}
	if displayName == "" || utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return model.NewValidationError("表示名の長さが不正です")
	}
	if utf8.RuneCountInString(realName) > maxRealNameLength {
		return model.NewValidationError("本名が長すぎます")
	}
	return nil
}
