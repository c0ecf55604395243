package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/postboard/internal/database"
	"github.com/hitoshi/postboard/internal/model"
	"github.com/lib/pq"
)

// defaultPageSize はEachPostが1回のロック区間で読み出す件数。
const defaultPageSize = 500

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	h        *database.Handle
	pageSize int
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(h *database.Handle) *PostgresPostRepo {
	return &PostgresPostRepo{h: h, pageSize: defaultPageSize}
}

// Create は投稿を作成する。
// 挿入後、同じトランザクション・ロック区間の中でonInsertedを呼び、成功した場合のみコミットする。
// コミットに失敗した場合はdatabase.ErrCommitFailedを返す。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post, onInserted InsertHook) error {
	if post.CreatedAt.IsZero() {
		post.CreatedAt = time.Now().UTC()
	}

	return r.h.Tx(ctx, func(q database.Querier) error {
		err := q.QueryRowContext(ctx,
			`INSERT INTO posts (body, author_id, created_at, index_pending)
			 VALUES ($1, $2, $3, TRUE)
			 RETURNING id`,
			post.Body, post.AuthorID, post.CreatedAt,
		).Scan(&post.ID)
		if isPQCode(err, pgForeignKeyViolation) {
			return fmt.Errorf("author %d: %w", post.AuthorID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to insert post: %w", err)
		}
		post.IndexPending = true

		if onInserted != nil {
			return onInserted(ctx, post)
		}
		return nil
	})
}

// MarkIndexed は指定投稿のindex_pendingを解除する。
func (r *PostgresPostRepo) MarkIndexed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	err := r.h.Do(ctx, func(q database.Querier) error {
		_, err := q.ExecContext(ctx,
			`UPDATE posts SET index_pending = FALSE WHERE id = ANY($1)`,
			pq.Array(ids),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to mark posts indexed: %w", err)
	}
	return nil
}

// ListPendingIndex はindex_pendingの投稿をID昇順で返す。
func (r *PostgresPostRepo) ListPendingIndex(ctx context.Context, limit int) ([]*model.Post, error) {
	var posts []*model.Post
	err := r.h.Do(ctx, func(q database.Querier) error {
		var err error
		posts, err = queryPosts(ctx, q,
			`SELECT id, body, author_id, index_pending, created_at
			 FROM posts WHERE index_pending ORDER BY id LIMIT $1`,
			limit,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending posts: %w", err)
	}
	return posts, nil
}

// FindByID は指定IDの投稿を画像込みで取得する。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id int64) (*model.Post, error) {
	post := &model.Post{}
	err := r.h.Do(ctx, func(q database.Querier) error {
		return q.QueryRowContext(ctx,
			`SELECT id, body, author_id, image, index_pending, created_at FROM posts WHERE id = $1`,
			id,
		).Scan(&post.ID, &post.Body, &post.AuthorID, &post.Image, &post.IndexPending, &post.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find post: %w", err)
	}
	return post, nil
}

// FindSummaries は指定IDの投稿の要約を返す。
func (r *PostgresPostRepo) FindSummaries(ctx context.Context, ids []int64) (map[int64]model.PostSummary, error) {
	result := make(map[int64]model.PostSummary, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	err := r.h.Do(ctx, func(q database.Querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT id, body, author_id, created_at FROM posts WHERE id = ANY($1)`,
			pq.Array(ids),
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s model.PostSummary
			if err := rows.Scan(&s.ID, &s.Body, &s.AuthorID, &s.CreatedAt); err != nil {
				return err
			}
			result[s.ID] = s
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find post summaries: %w", err)
	}
	return result, nil
}

// Recent はID降順で最大limit件の投稿の要約を返す。
func (r *PostgresPostRepo) Recent(ctx context.Context, limit int, authorID *int64) ([]model.PostSummary, error) {
	if limit <= 0 {
		return []model.PostSummary{}, nil
	}

	var summaries []model.PostSummary
	err := r.h.Do(ctx, func(q database.Querier) error {
		var (
			rows *sql.Rows
			err  error
		)
		if authorID != nil {
			rows, err = q.QueryContext(ctx,
				`SELECT id, body, author_id, created_at FROM posts
				 WHERE author_id = $1 ORDER BY id DESC LIMIT $2`,
				*authorID, limit,
			)
		} else {
			rows, err = q.QueryContext(ctx,
				`SELECT id, body, author_id, created_at FROM posts
				 ORDER BY id DESC LIMIT $1`,
				limit,
			)
		}
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var s model.PostSummary
			if err := rows.Scan(&s.ID, &s.Body, &s.AuthorID, &s.CreatedAt); err != nil {
				return err
			}
			summaries = append(summaries, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recent posts: %w", err)
	}
	if summaries == nil {
		summaries = []model.PostSummary{}
	}
	return summaries, nil
}

// SetImage は投稿画像を設定する。
func (r *PostgresPostRepo) SetImage(ctx context.Context, id int64, image []byte) error {
	var affected int64
	err := r.h.Do(ctx, func(q database.Querier) error {
		result, err := q.ExecContext(ctx, `UPDATE posts SET image = $1 WHERE id = $2`, image, id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to set post image: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Image は投稿画像を返す。
func (r *PostgresPostRepo) Image(ctx context.Context, id int64) ([]byte, error) {
	var image []byte
	err := r.h.Do(ctx, func(q database.Querier) error {
		return q.QueryRowContext(ctx, `SELECT image FROM posts WHERE id = $1`, id).Scan(&image)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get post image: %w", err)
	}
	if image == nil {
		return nil, ErrNoImage
	}
	return image, nil
}

// EachPost は全投稿をID昇順でページ単位に読み出す。
func (r *PostgresPostRepo) EachPost(ctx context.Context, fn func(post *model.Post) error) error {
	var after int64
	for {
		var page []*model.Post
		err := r.h.Do(ctx, func(q database.Querier) error {
			var err error
			page, err = queryPosts(ctx, q,
				`SELECT id, body, author_id, index_pending, created_at
				 FROM posts WHERE id > $1 ORDER BY id LIMIT $2`,
				after, r.pageSize,
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to scan posts: %w", err)
		}

		for _, p := range page {
			if err := fn(p); err != nil {
				return err
			}
		}

		if len(page) < r.pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// queryPosts は画像を含まない投稿の一覧を読み出す。
func queryPosts(ctx context.Context, q database.Querier, query string, args ...any) ([]*model.Post, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p := &model.Post{}
		if err := rows.Scan(&p.ID, &p.Body, &p.AuthorID, &p.IndexPending, &p.CreatedAt); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
