// Package post は投稿の作成、画像の設定、一覧と全文検索を提供する。
//
// 投稿はコンテンツストアを正とし、検索インデックスはそこから導出する。
// 作成時はストアのトランザクション内でインデックスに登録し、登録に失敗した投稿はコミットしない。
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/postboard/internal/database"
	"github.com/hitoshi/postboard/internal/metrics"
	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/repository"
	"github.com/hitoshi/postboard/internal/search"
)

// maxBodyLength は投稿本文の最大文字数。
const maxBodyLength = 10000

// SearchIndex は検索インデックスのインターフェース。
type SearchIndex interface {
	IndexPost(ctx context.Context, post *model.Post) error
	IndexPosts(ctx context.Context, posts []*model.Post) error
	Remove(ctx context.Context, postID int64) error
	Search(ctx context.Context, query string, limit int) ([]search.Hit, error)
	ReindexAll(ctx context.Context, src search.Source) (int, error)
}

// ImageIngester はアップロード画像を保存形式に変換する。
type ImageIngester interface {
	Ingest(raw []byte) ([]byte, error)
}

// Options はServiceの件数上限。
type Options struct {
	SearchLimit int
	RecentMax   int
}

// Service は投稿のサービス層。
type Service struct {
	posts    repository.PostRepository
	index    SearchIndex
	ingester ImageIngester
	metrics  metrics.MetricsCollector
	opts     Options
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	posts repository.PostRepository,
	index SearchIndex,
	ingester ImageIngester,
	collector metrics.MetricsCollector,
	opts Options,
) *Service {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if opts.SearchLimit <= 0 {
		opts.SearchLimit = 10
	}
	if opts.RecentMax <= 0 {
		opts.RecentMax = 100
	}
	return &Service{
		posts:    posts,
		index:    index,
		ingester: ingester,
		metrics:  collector,
		opts:     opts,
	}
}

// Create は投稿を作成し、検索可能にする。
//  1. ストアのロックを保持したまま行を挿入し、インデックスに登録する
//  2. 登録に失敗した場合はロールバックしてSEARCH_ERRORを返す
//  3. コミットに失敗した場合は登録済みのエントリを削除する
//  4. コミット後にindex_pendingを解除する。失敗しても整合ワーカーが回収する
func (s *Service) Create(ctx context.Context, authorID int64, body string) (*model.Post, error) {
	if authorID <= 0 {
		return nil, model.NewValidationError("作成者IDが不正です")
	}
	if strings.TrimSpace(body) == "" {
		return nil, model.NewValidationError("本文が空です")
	}
	if !utf8.ValidString(body) || utf8.RuneCountInString(body) > maxBodyLength {
		return nil, model.NewValidationError("本文が長すぎるか不正な文字を含みます")
	}

	post := &model.Post{Body: body, AuthorID: authorID}
	indexed := false

	err := s.posts.Create(ctx, post, func(ctx context.Context, p *model.Post) error {
		if err := s.index.IndexPost(ctx, p); err != nil {
			s.metrics.RecordIndexWrite(false)
			return err
		}
		s.metrics.RecordIndexWrite(true)
		indexed = true
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return nil, model.NewUserNotFoundError()
		case errors.Is(err, search.ErrIndex):
			slog.Error("投稿のインデックス登録に失敗したため作成を取り消しました",
				slog.Int64("author_id", authorID),
				slog.String("error", err.Error()),
			)
			return nil, model.NewSearchError()
		case errors.Is(err, database.ErrCommitFailed) && indexed:
			s.compensate(ctx, post.ID)
		}
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	if err := s.posts.MarkIndexed(ctx, []int64{post.ID}); err != nil {
		slog.Warn("index_pendingの解除に失敗しました（整合ワーカーで再処理）",
			slog.Int64("post_id", post.ID),
			slog.String("error", err.Error()),
		)
	} else {
		post.IndexPending = false
	}

	slog.Info("投稿を作成しました",
		slog.Int64("post_id", post.ID),
		slog.Int64("author_id", authorID),
	)
	return post, nil
}

// compensate はコミットされなかった投稿のエントリを削除する。
// 残ったエントリは検索時にストアで照合されるため表示されることはない。
func (s *Service) compensate(ctx context.Context, postID int64) {
	if err := s.index.Remove(context.WithoutCancel(ctx), postID); err != nil {
		slog.Warn("未コミット投稿のインデックス削除に失敗しました",
			slog.Int64("post_id", postID),
			slog.String("error", err.Error()),
		)
	}
}

// Load は投稿を画像込みで取得する。
func (s *Service) Load(ctx context.Context, postID int64) (*model.Post, error) {
	post, err := s.posts.FindByID(ctx, postID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, model.NewPostNotFoundError(postID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load post: %w", err)
	}
	return post, nil
}

// Recent は新しい順に最大limit件の投稿を返す。
// limitが0以下の場合は10件、上限を超える場合は上限に丸める。
func (s *Service) Recent(ctx context.Context, limit int, authorID *int64) ([]model.PostSummary, error) {
	if authorID != nil && *authorID <= 0 {
		return nil, model.NewValidationError("ユーザーIDが不正です")
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > s.opts.RecentMax {
		limit = s.opts.RecentMax
	}

	posts, err := s.posts.Recent(ctx, limit, authorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent posts: %w", err)
	}
	return posts, nil
}

// Search はクエリに一致する投稿を関連度順に返す。
// 結果はストアで照合し、ストアに存在しない投稿は除外してインデックスからも削除する。
func (s *Service) Search(ctx context.Context, query string) ([]model.PostSummary, error) {
	start := time.Now()

	hits, err := s.index.Search(ctx, query, s.opts.SearchLimit)
	if err != nil {
		switch {
		case errors.Is(err, search.ErrQueryParse):
			s.metrics.RecordSearch(metrics.OutcomeParseError, time.Since(start))
			return nil, model.NewQueryParseError(query)
		case errors.Is(err, search.ErrIndex):
			s.metrics.RecordSearch(metrics.OutcomeError, time.Since(start))
			slog.Error("検索に失敗しました", slog.String("error", err.Error()))
			return nil, model.NewSearchError()
		}
		s.metrics.RecordSearch(metrics.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("failed to search posts: %w", err)
	}
	if len(hits) == 0 {
		s.metrics.RecordSearch(metrics.OutcomeOK, time.Since(start))
		return []model.PostSummary{}, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.PostID
	}

	// インデックス登録はストアのロック区間内で行うため、
	// ここでの照合は作成中の投稿のコミット完了後に実行される。
	found, err := s.posts.FindSummaries(ctx, ids)
	if err != nil {
		s.metrics.RecordSearch(metrics.OutcomeError, time.Since(start))
		return nil, fmt.Errorf("failed to hydrate search results: %w", err)
	}

	results := make([]model.PostSummary, 0, len(hits))
	var stale []int64
	for _, id := range ids {
		summary, ok := found[id]
		if !ok {
			stale = append(stale, id)
			continue
		}
		results = append(results, summary)
	}

	if len(stale) > 0 {
		s.repairDrift(ctx, stale)
	}

	s.metrics.RecordSearch(metrics.OutcomeOK, time.Since(start))
	return results, nil
}

func (s *Service) repairDrift(ctx context.Context, stale []int64) {
	removed := 0
	for _, id := range stale {
		if err := s.index.Remove(ctx, id); err != nil {
			slog.Warn("不整合なインデックスエントリの削除に失敗しました",
				slog.Int64("post_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	s.metrics.RecordIndexDrift(removed)
	slog.Info("ストアに存在しない検索結果を除外しました",
		slog.Int("stale", len(stale)),
		slog.Int("removed", removed),
	)
}

// SetImage は投稿の画像を設定する。投稿の作成者のみ設定できる。
// 入力はJPEGに正規化して保存する。取り込みに失敗した場合はIMAGE_UPLOAD_FAILEDを返す。
func (s *Service) SetImage(ctx context.Context, callerID, postID int64, raw []byte) error {
	found, err := s.posts.FindSummaries(ctx, []int64{postID})
	if err != nil {
		return fmt.Errorf("failed to find post: %w", err)
	}
	summary, ok := found[postID]
	if !ok {
		return model.NewPostNotFoundError(postID)
	}
	if summary.AuthorID != callerID {
		return model.NewForbiddenError("他のユーザーの投稿です")
	}

	jpeg, err := s.ingester.Ingest(raw)
	if err != nil {
		s.metrics.RecordImageIngest(metrics.OutcomeRejected)
		slog.Info("画像の取り込みを拒否しました",
			slog.Int64("post_id", postID),
			slog.Int("bytes", len(raw)),
			slog.String("reason", err.Error()),
		)
		return model.NewImageUploadFailedError(err.Error())
	}
	s.metrics.RecordImageIngest(metrics.OutcomeOK)

	if err := s.posts.SetImage(ctx, postID, jpeg); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewPostNotFoundError(postID)
		}
		return fmt.Errorf("failed to store post image: %w", err)
	}
	return nil
}

// Image は投稿画像（JPEG）を返す。
func (s *Service) Image(ctx context.Context, postID int64) ([]byte, error) {
	img, err := s.posts.Image(ctx, postID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, model.NewPostNotFoundError(postID)
	case errors.Is(err, repository.ErrNoImage):
		return nil, model.NewImageNotFoundError(postID)
	case err != nil:
		return nil, fmt.Errorf("failed to load post image: %w", err)
	}
	return img, nil
}

// Reindex は検索インデックスをストアの全投稿から再構築する。
func (s *Service) Reindex(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.index.ReindexAll(ctx, s.posts)
	if err != nil {
		return 0, fmt.Errorf("failed to reindex posts: %w", err)
	}
	s.metrics.RecordReindex(n, time.Since(start))
	return n, nil
}

// ReconcilePending はindex_pendingのまま残った投稿を最大limit件インデックスに登録し、マーカーを解除する。
// ストアとインデックスのロックを同時に保持しない。
func (s *Service) ReconcilePending(ctx context.Context, limit int) (int, error) {
	pending, err := s.posts.ListPendingIndex(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list pending posts: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if err := s.index.IndexPosts(ctx, pending); err != nil {
		s.metrics.RecordIndexWrite(false)
		return 0, fmt.Errorf("failed to index pending posts: %w", err)
	}
	s.metrics.RecordIndexWrite(true)

	ids := make([]int64, len(pending))
	for i, p := range pending {
		ids[i] = p.ID
	}
	if err := s.posts.MarkIndexed(ctx, ids); err != nil {
		return 0, fmt.Errorf("failed to clear pending markers: %w", err)
	}

	s.metrics.RecordReconciled(len(pending))
	return len(pending), nil
}
