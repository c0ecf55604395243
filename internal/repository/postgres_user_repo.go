package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/postboard/internal/database"
	"github.com/hitoshi/postboard/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	h *database.Handle
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(h *database.Handle) *PostgresUserRepo {
	return &PostgresUserRepo{h: h}
}

const userColumns = `id, credential_hash, email, display_name, real_name, profile_pic, created_at`

// Create はユーザーを作成する。
// 重複確認と挿入は同一のロック区間・トランザクション内で行い、
// 同じメールアドレスでの同時登録が両方成功することはない。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) (int64, error) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	err := r.h.Tx(ctx, func(q database.Querier) error {
		var exists bool
		err := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`,
			user.Email,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check email: %w", err)
		}
		if exists {
			return ErrEmailTaken
		}

		err = q.QueryRowContext(ctx,
			`INSERT INTO users (credential_hash, email, display_name, real_name, profile_pic, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			user.CredentialHash, user.Email, user.DisplayName, user.RealName, user.ProfilePic, user.CreatedAt,
		).Scan(&user.ID)
		if isPQCode(err, pgUniqueViolation) {
			return ErrEmailTaken
		}
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return user.ID, nil
}

// FindByID は指定IDのユーザーを取得する。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// FindByEmail はメールアドレスでユーザーを取得する。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *PostgresUserRepo) findOne(ctx context.Context, query string, arg any) (*model.User, error) {
	user := &model.User{}
	err := r.h.Do(ctx, func(q database.Querier) error {
		return q.QueryRowContext(ctx, query, arg).Scan(
			&user.ID, &user.CredentialHash, &user.Email,
			&user.DisplayName, &user.RealName, &user.ProfilePic, &user.CreatedAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return user, nil
}

// ProfilePicture はユーザーのプロフィール画像を返す。
func (r *PostgresUserRepo) ProfilePicture(ctx context.Context, id int64) ([]byte, error) {
	var pic []byte
	err := r.h.Do(ctx, func(q database.Querier) error {
		return q.QueryRowContext(ctx,
			`SELECT profile_pic FROM users WHERE id = $1`, id,
		).Scan(&pic)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile picture: %w", err)
	}
	return pic, nil
}

// UpdateProfile は表示名と本名を更新し、更新後のユーザーを返す。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, id int64, displayName, realName string) (*model.User, error) {
	user := &model.User{}
	err := r.h.Do(ctx, func(q database.Querier) error {
		return q.QueryRowContext(ctx,
			`UPDATE users SET display_name = $1, real_name = $2 WHERE id = $3
			 RETURNING `+userColumns,
			displayName, realName, id,
		).Scan(
			&user.ID, &user.CredentialHash, &user.Email,
			&user.DisplayName, &user.RealName, &user.ProfilePic, &user.CreatedAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}
	return user, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
