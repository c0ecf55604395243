package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/postboard/internal/middleware"
	"github.com/hitoshi/postboard/internal/model"
)

// --- モック定義 ---

type mockUserService struct {
	infoFn           func(ctx context.Context, userID int64) (*model.User, error)
	profilePictureFn func(ctx context.Context, userID int64) ([]byte, error)
	updateProfileFn  func(ctx context.Context, userID int64, displayName, realName string) (*model.User, error)
}

func (m *mockUserService) Info(ctx context.Context, userID int64) (*model.User, error) {
	if m.infoFn != nil {
		return m.infoFn(ctx, userID)
	}
	return nil, model.NewUserNotFoundError()
}

func (m *mockUserService) ProfilePicture(ctx context.Context, userID int64) ([]byte, error) {
	if m.profilePictureFn != nil {
		return m.profilePictureFn(ctx, userID)
	}
	return nil, model.NewUserNotFoundError()
}

func (m *mockUserService) UpdateProfile(ctx context.Context, userID int64, displayName, realName string) (*model.User, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, userID, displayName, realName)
	}
	return nil, nil
}

// withURLParam はchiのURLパラメータをリクエストに設定する。
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func withUser(req *http.Request, userID int64) *http.Request {
	return req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
}

// --- テスト ---

func TestUserHandler_UserInfo(t *testing.T) {
	svc := &mockUserService{
		infoFn: func(ctx context.Context, userID int64) (*model.User, error) {
			if userID != 5 {
				return nil, model.NewUserNotFoundError()
			}
			return &model.User{ID: 5, DisplayName: "Bob", RealName: "Bob B", Email: "secret@x.io"}, nil
		},
	}
	h := NewUserHandler(svc)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/user-info/5", nil), "id", "5")
	w := httptest.NewRecorder()
	h.UserInfo(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "secret@x.io") {
		t.Error("email must not be exposed")
	}
	var info userInfoResponse
	json.NewDecoder(w.Body).Decode(&info)
	if info.UserID != 5 || info.DisplayName != "Bob" || info.RealName != "Bob B" {
		t.Errorf("info = %+v", info)
	}
}

func TestUserHandler_UserInfo_Errors(t *testing.T) {
	h := NewUserHandler(&mockUserService{})

	tests := []struct {
		name     string
		id       string
		wantCode int
	}{
		{"unknown user", "42", http.StatusNotFound},
		{"zero id", "0", http.StatusNotFound},
		{"non numeric", "abc", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/user-info/"+tt.id, nil), "id", tt.id)
			w := httptest.NewRecorder()
			h.UserInfo(w, req)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestUserHandler_ProfilePicture_ServesPNG(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\nfake")
	svc := &mockUserService{
		profilePictureFn: func(ctx context.Context, userID int64) ([]byte, error) {
			return png, nil
		},
	}
	h := NewUserHandler(svc)

	req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/profile-pic/1", nil), "id", "1")
	w := httptest.NewRecorder()
	h.ProfilePicture(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if !bytes.Equal(w.Body.Bytes(), png) {
		t.Error("body should be the stored picture")
	}
}

func TestUserHandler_UpdateMe_KeepsOmittedFields(t *testing.T) {
	var gotDisplay, gotReal string
	svc := &mockUserService{
		infoFn: func(ctx context.Context, userID int64) (*model.User, error) {
			return &model.User{ID: userID, DisplayName: "Old", RealName: "Real Name"}, nil
		},
		updateProfileFn: func(ctx context.Context, userID int64, displayName, realName string) (*model.User, error) {
			gotDisplay, gotReal = displayName, realName
			return &model.User{ID: userID, DisplayName: displayName, RealName: realName}, nil
		},
	}
	h := NewUserHandler(svc)

	req := httptest.NewRequest(http.MethodPatch, "/api/me", strings.NewReader(`{"display_name":"New"}`))
	w := httptest.NewRecorder()
	h.UpdateMe(w, withUser(req, 4))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotDisplay != "New" || gotReal != "Real Name" {
		t.Errorf("UpdateProfile(%q, %q), want (New, Real Name)", gotDisplay, gotReal)
	}
}

func TestUserHandler_UpdateMe_ValidationError(t *testing.T) {
	svc := &mockUserService{
		infoFn: func(ctx context.Context, userID int64) (*model.User, error) {
			return &model.User{ID: userID, DisplayName: "Old"}, nil
		},
		updateProfileFn: func(ctx context.Context, userID int64, displayName, realName string) (*model.User, error) {
			return nil, model.NewValidationError("表示名の長さが不正です")
		},
	}
	h := NewUserHandler(svc)

	req := httptest.NewRequest(http.MethodPatch, "/api/me", strings.NewReader(`{"display_name":""}`))
	w := httptest.NewRecorder()
	h.UpdateMe(w, withUser(req, 4))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
