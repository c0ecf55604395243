package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/postboard/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Info(ctx context.Context, userID int64) (*model.User, error)
	ProfilePicture(ctx context.Context, userID int64) ([]byte, error)
	UpdateProfile(ctx context.Context, userID int64, displayName, realName string) (*model.User, error)
}

// UserHandler はユーザー情報のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

// updateProfileRequest はプロフィール更新リクエストのボディ。
// 省略したフィールドは現在の値を維持する。
type updateProfileRequest struct {
	DisplayName *string `json:"display_name"`
	RealName    *string `json:"real_name"`
}

// UserInfo はユーザーの公開情報を返す。
// GET /api/user-info/{id}
func (h *UserHandler) UserInfo(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	user, err := h.service.Info(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserInfoResponse(user))
}

// ProfilePicture はプロフィール画像（PNG）を返す。
// GET /api/profile-pic/{id}
func (h *UserHandler) ProfilePicture(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	pic, err := h.service.ProfilePicture(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeBinary(w, "image/png", pic)
}

// UpdateMe はログインユーザーの表示名と本名を更新する。
// PATCH /api/me
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(w, r)
	if !ok {
		return
	}

	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	current, err := h.service.Info(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	displayName, realName := current.DisplayName, current.RealName
	if req.DisplayName != nil {
		displayName = *req.DisplayName
	}
	if req.RealName != nil {
		realName = *req.RealName
	}

	user, err := h.service.UpdateProfile(r.Context(), userID, displayName, realName)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserInfoResponse(user))
}
