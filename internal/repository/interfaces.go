// Package repository はコンテンツストアの永続化インターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"

	"github.com/hitoshi/postboard/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// Create はユーザーを作成し、採番されたIDを返す。
	// メールアドレスが重複する場合はErrEmailTakenを返す。
	Create(ctx context.Context, user *model.User) (int64, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はErrNotFoundを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はErrNotFoundを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// ProfilePicture はユーザーのプロフィール画像（PNG）を返す。
	ProfilePicture(ctx context.Context, id int64) ([]byte, error)

	// UpdateProfile は表示名と本名を更新する。プロフィール画像は変更しない。
	UpdateProfile(ctx context.Context, id int64, displayName, realName string) (*model.User, error)
}

// InsertHook は投稿行の挿入後、コミット前にストアのロックを保持したまま呼ばれる。
// エラーを返すと挿入はロールバックされる。
type InsertHook func(ctx context.Context, post *model.Post) error

// PostRepository は投稿データの永続化インターフェース。
type PostRepository interface {
	// Create は投稿をindex_pending=trueで作成し、採番されたIDをpost.IDに設定する。
	// onInsertedがエラーを返した場合は作成しない。
	// 作成者が存在しない場合はErrNotFoundを返す。
	Create(ctx context.Context, post *model.Post, onInserted InsertHook) error

	// MarkIndexed は指定投稿のindex_pendingを解除する。
	MarkIndexed(ctx context.Context, ids []int64) error

	// ListPendingIndex はindex_pendingの投稿をID昇順で最大limit件返す。
	ListPendingIndex(ctx context.Context, limit int) ([]*model.Post, error)

	// FindByID は指定IDの投稿を画像込みで取得する。見つからない場合はErrNotFoundを返す。
	FindByID(ctx context.Context, id int64) (*model.Post, error)

	// FindSummaries は指定IDの投稿の要約をID→要約のマップで返す。存在しないIDは含まれない。
	FindSummaries(ctx context.Context, ids []int64) (map[int64]model.PostSummary, error)

	// Recent はID降順で最大limit件の投稿の要約を返す。
	// authorIDがnilでない場合はその作成者の投稿のみを対象とする。
	Recent(ctx context.Context, limit int, authorID *int64) ([]model.PostSummary, error)

	// SetImage は投稿画像（JPEG）を設定する。見つからない場合はErrNotFoundを返す。
	SetImage(ctx context.Context, id int64, image []byte) error

	// Image は投稿画像を返す。投稿がない場合はErrNotFound、画像がない場合はErrNoImageを返す。
	Image(ctx context.Context, id int64) ([]byte, error)

	// EachPost は全投稿をID昇順でページ単位に読み出し、fnを呼ぶ。
	// ページの読み出しごとにロックを解放するため、fnの実行中は他の操作をブロックしない。
	EachPost(ctx context.Context, fn func(post *model.Post) error) error
}
