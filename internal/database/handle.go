package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Querier は*sql.DBと*sql.Txに共通するクエリ実行メソッドを抽象化する。
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Handle はコンテンツストアへの単一の論理接続を表す。
// すべての操作は排他ロックの内側で1つずつ実行され、他の呼び出し側はロック解放までブロックする。
// ロックはDo/Txの関数スコープで取得・解放され、エラー経路でも必ず解放される。
type Handle struct {
	mu sync.Mutex
	db *sql.DB
}

// NewHandle はdbを単一接続に制限してHandleを生成する。
func NewHandle(db *sql.DB) *Handle {
	if db != nil {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	return &Handle{db: db}
}

// Do は排他ロックを保持したままfnを実行する。
func (h *Handle) Do(ctx context.Context, fn func(q Querier) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return fn(h.db)
}

// Tx は排他ロックを保持したままトランザクション内でfnを実行する。
// fnがエラーを返した場合はロールバックし、成功した場合のみコミットする。
func (h *Handle) Tx(ctx context.Context, fn func(q Querier) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	return nil
}

// Ping は接続の疎通を確認する。ヘルスチェックから使用する。
func (h *Handle) Ping(ctx context.Context) error {
	return h.Do(ctx, func(Querier) error {
		return h.db.PingContext(ctx)
	})
}
