package user

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hitoshi/postboard/internal/model"
	"github.com/hitoshi/postboard/internal/repository"
)

// --- モック ---

type mockUserRepo struct {
	findByIDFn      func(ctx context.Context, id int64) (*model.User, error)
	profilePicFn    func(ctx context.Context, id int64) ([]byte, error)
	updateProfileFn func(ctx context.Context, id int64, displayName, realName string) (*model.User, error)
	updateCalled    bool
	gotDisplayName  string
	gotRealName     string
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) (int64, error) {
	return 0, nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, repository.ErrNotFound
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, repository.ErrNotFound
}

func (m *mockUserRepo) ProfilePicture(ctx context.Context, id int64) ([]byte, error) {
	if m.profilePicFn != nil {
		return m.profilePicFn(ctx, id)
	}
	return nil, repository.ErrNotFound
}

func (m *mockUserRepo) UpdateProfile(ctx context.Context, id int64, displayName, realName string) (*model.User, error) {
	m.updateCalled = true
	m.gotDisplayName = displayName
	m.gotRealName = realName
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, id, displayName, realName)
	}
	return &model.User{ID: id, DisplayName: displayName, RealName: realName}, nil
}

type stripTags struct{}

func (stripTags) SanitizeText(s string) string {
	return strings.NewReplacer("<i>", "", "</i>", "").Replace(s)
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *model.APIError with code %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Errorf("error code = %s, want %s", apiErr.Code, code)
	}
}

// --- Info テスト ---

func TestInfo_Found(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(_ context.Context, id int64) (*model.User, error) {
			return &model.User{ID: id, DisplayName: "Ann"}, nil
		},
	}
	svc := NewService(repo, stripTags{})

	user, err := svc.Info(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user.ID != 7 || user.DisplayName != "Ann" {
		t.Errorf("user = %+v", user)
	}
}

func TestInfo_NotFound(t *testing.T) {
	svc := NewService(&mockUserRepo{}, stripTags{})

	_, err := svc.Info(context.Background(), 7)
	assertAPIErrorCode(t, err, model.ErrCodeUserNotFound)

	_, err = svc.Info(context.Background(), 0)
	assertAPIErrorCode(t, err, model.ErrCodeUserNotFound)
}

func TestInfo_StoreFault_IsInternal(t *testing.T) {
	repo := &mockUserRepo{
		findByIDFn: func(_ context.Context, _ int64) (*model.User, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewService(repo, stripTags{})

	_, err := svc.Info(context.Background(), 7)
	var apiErr *model.APIError
	if err == nil || errors.As(err, &apiErr) {
		t.Errorf("expected plain error, got %v", err)
	}
}

// --- ProfilePicture テスト ---

func TestProfilePicture(t *testing.T) {
	repo := &mockUserRepo{
		profilePicFn: func(_ context.Context, id int64) ([]byte, error) {
			if id == 1 {
				return []byte("png"), nil
			}
			return nil, repository.ErrNotFound
		},
	}
	svc := NewService(repo, stripTags{})

	pic, err := svc.ProfilePicture(context.Background(), 1)
	if err != nil || string(pic) != "png" {
		t.Errorf("ProfilePicture(1) = (%q, %v)", pic, err)
	}

	_, err = svc.ProfilePicture(context.Background(), 2)
	assertAPIErrorCode(t, err, model.ErrCodeUserNotFound)
}

// --- UpdateProfile テスト ---

func TestUpdateProfile_SanitizesAndTrims(t *testing.T) {
	repo := &mockUserRepo{}
	svc := NewService(repo, stripTags{})

	user, err := svc.UpdateProfile(context.Background(), 1, " <i>Ann</i> ", "Ann A")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.gotDisplayName != "Ann" || repo.gotRealName != "Ann A" {
		t.Errorf("stored names = (%q, %q)", repo.gotDisplayName, repo.gotRealName)
	}
	if user.DisplayName != "Ann" {
		t.Errorf("DisplayName = %q", user.DisplayName)
	}
}

func TestUpdateProfile_Validation(t *testing.T) {
	tests := []struct {
		name        string
		displayName string
		realName    string
	}{
		{"empty display name", "", "x"},
		{"markup only display name", "<i></i>", "x"},
		{"long display name", strings.Repeat("a", maxDisplayNameLength+1), ""},
		{"long real name", "Ann", strings.Repeat("a", maxRealNameLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := &mockUserRepo{}
			svc := NewService(repo, stripTags{})

			_, err := svc.UpdateProfile(context.Background(), 1, tt.displayName, tt.realName)
			assertAPIErrorCode(t, err, model.ErrCodeValidation)
			if repo.updateCalled {
				t.Error("repository should not be called on validation failure")
			}
		})
	}
}

func TestUpdateProfile_UserGone(t *testing.T) {
	repo := &mockUserRepo{
		updateProfileFn: func(_ context.Context, _ int64, _, _ string) (*model.User, error) {
			return nil, repository.ErrNotFound
		},
	}
	svc := NewService(repo, stripTags{})

	_, err := svc.UpdateProfile(context.Background(), 1, "Ann", "")
	assertAPIErrorCode(t, err, model.ErrCodeUserNotFound)
}
