// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Signup(ctx context.Context, reg model.Registration) (*model.User, error)
	Login(ctx context.Context, email, password string) (*model.User, error)
	CurrentUser(ctx context.Context, userID int64) (*model.User, error)
}

// SessionIssuer はユーザーIDからセッショントークンを発行する。
type SessionIssuer interface {
	Issue(userID int64) (string, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	CookieDomain  string
	CookieSecure  bool
	SessionMaxAge int // セッションCookieの有効期間（秒）
}

// AuthHandler はサインアップ・ログイン・セッション関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionIssuer
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionIssuer, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service:  service,
		sessions: sessions,
		config:   config,
	}
}

// registerRequest はサインアップリクエストのボディ。
type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
	RealName    string `json:"real_name"`
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userInfoResponse はユーザー情報のAPIレスポンス。
type userInfoResponse struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	RealName    string `json:"real_name"`
}

func toUserInfoResponse(u *model.User) userInfoResponse {
	return userInfoResponse{
		UserID:      u.ID,
		DisplayName: u.DisplayName,
		RealName:    u.RealName,
	}
}

// Signup はユーザーを登録し、ログイン状態にする。
// POST /api/signup
func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.service.Signup(r.Context(), model.Registration{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		RealName:    req.RealName,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if !h.startSession(w, r, user.ID) {
		return
	}
	writeJSON(w, http.StatusCreated, toUserInfoResponse(user))
}

// Login はメールアドレスとパスワードで認証し、セッションCookieを設定する。
// POST /api/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if !h.startSession(w, r, user.ID) {
		return
	}
	writeJSON(w, http.StatusAccepted, toUserInfoResponse(user))
}

// Logout はセッションCookieを破棄する。
// トークンはステートレスなため、サーバー側で破棄するものはない。
// POST /api/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSession(w)
	w.WriteHeader(http.StatusOK)
}

// Me は現在のログインユーザー情報を返す。
// GET /api/me, POST /api/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserIDFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	user, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeUserNotFound {
			// 署名は有効だがユーザーが存在しない
			h.clearSession(w)
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserInfoResponse(user))
}

// startSession はトークンを発行してセッションCookieを設定する。
func (h *AuthHandler) startSession(w http.ResponseWriter, r *http.Request, userID int64) bool {
	token, err := h.sessions.Issue(userID)
	if err != nil {
		slog.Error("failed to issue session token",
			slog.Int64("user_id", userID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return false
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    token,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   h.config.SessionMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return true
}

func (h *AuthHandler) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
