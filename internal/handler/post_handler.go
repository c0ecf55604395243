package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/model"
)

// DefaultMaxImageBytes はアップロード画像のデフォルト上限（10 MiB）。
const DefaultMaxImageBytes = 10 << 20

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	Create(ctx context.Context, authorID int64, body string) (*model.Post, error)
	Recent(ctx context.Context, limit int, authorID *int64) ([]model.PostSummary, error)
	Search(ctx context.Context, query string) ([]model.PostSummary, error)
	SetImage(ctx context.Context, callerID, postID int64, raw []byte) error
	Image(ctx context.Context, postID int64) ([]byte, error)
}

// PostHandler は投稿のHTTPハンドラー。
type PostHandler struct {
	service       PostServiceInterface
	maxImageBytes int64
}

// NewPostHandler はPostHandlerを生成する。maxImageBytesが0以下の場合は10 MiB。
func NewPostHandler(service PostServiceInterface, maxImageBytes int64) *PostHandler {
	if maxImageBytes <= 0 {
		maxImageBytes = DefaultMaxImageBytes
	}
	return &PostHandler{
		service:       service,
		maxImageBytes: maxImageBytes,
	}
}

// createPostRequest は投稿作成リクエストのボディ。
type createPostRequest struct {
	Body string `json:"body"`
}

type createPostResponse struct {
	PostID int64 `json:"post_id"`
}

// postDetailsResponse は一覧・検索結果の投稿。created_atはUNIX秒。
type postDetailsResponse struct {
	ID        int64  `json:"id"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	UserID    int64  `json:"user_id"`
}

func toPostDetails(posts []model.PostSummary) []postDetailsResponse {
	results := make([]postDetailsResponse, len(posts))
	for i, p := range posts {
		results[i] = postDetailsResponse{
			ID:        p.ID,
			Body:      p.Body,
			CreatedAt: p.CreatedAt.Unix(),
			UserID:    p.AuthorID,
		}
	}
	return results
}

// CreatePost は投稿を作成する。
// POST /api/create-post
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	var req createPostRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	post, err := h.service.Create(r.Context(), userID, req.Body)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, createPostResponse{PostID: post.ID})
}

// RecentPosts は新しい順の投稿一覧を返す。
// GET /api/recent-posts?n=10&user_id=1
func (h *PostHandler) RecentPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit := 0
	if v := q.Get("n"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("nは整数で指定してください"))
			return
		}
		limit = n
	}

	var authorID *int64
	if v := q.Get("user_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("user_idは整数で指定してください"))
			return
		}
		authorID = &id
	}

	posts, err := h.service.Recent(r.Context(), limit, authorID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostDetails(posts))
}

// SearchPosts は全文検索の結果を関連度順に返す。
// GET /api/search-posts?query_string=hello
func (h *PostHandler) SearchPosts(w http.ResponseWriter, r *http.Request) {
	posts, err := h.service.Search(r.Context(), r.URL.Query().Get("query_string"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toPostDetails(posts))
}

// PostImage は投稿画像（JPEG）を返す。
// GET /api/post-image/{id}
func (h *PostHandler) PostImage(w http.ResponseWriter, r *http.Request) {
	postID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	img, err := h.service.Image(r.Context(), postID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeBinary(w, "image/jpeg", img)
}

// SetPostImage は投稿画像を設定する。ボディは画像のバイナリ。
// POST /api/set-post-image/{id}
func (h *PostHandler) SetPostImage(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}
	postID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxImageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge,
				model.NewImageUploadFailedError("画像が大きすぎます"))
			return
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest,
			model.NewValidationError("リクエストボディの読み込みに失敗しました"))
		return
	}

	if err := h.service.SetImage(r.Context(), userID, postID, raw); err != nil {
		handleServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}
