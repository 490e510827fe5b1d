package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	assetsmock "github.com/MarcoPoloResearchLab/duet/backend/internal/assets/mock"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/ids"
	notifymock "github.com/MarcoPoloResearchLab/duet/backend/internal/notify/mock"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/mock/gomock"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate user schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.Database == nil {
		cfg.Database = openTestDatabase(t)
	}
	if cfg.IDProvider == nil {
		cfg.IDProvider = ids.NewSequence("user-1", "user-2", "user-3")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = auth.NewPasswordHasher(4)
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Unix(1700000000, 0) }
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestSignupStoresUserAndSendsWelcome(t *testing.T) {
	ctrl := gomock.NewController(t)
	mailer := notifymock.NewMockMailer(ctrl)
	mailer.EXPECT().
		SendWelcome(gomock.Any(), "ada@example.com", "Ada Lovelace").
		Return(nil)

	service := newTestService(t, ServiceConfig{Mailer: mailer})

	user, err := service.Signup(context.Background(), SignupRequest{
		FullName: " Ada Lovelace ",
		Email:    "Ada@Example.com",
		Password: "analytical",
	})
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if user.ID != "user-1" || user.Email != "ada@example.com" || user.FullName != "Ada Lovelace" {
		t.Fatalf("unexpected user %#v", user)
	}
	if user.PasswordHash == "analytical" || user.PasswordHash == "" {
		t.Fatalf("expected password to be hashed")
	}

	authenticated, err := service.Authenticate(context.Background(), "ada@example.com", "analytical")
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if authenticated.ID != user.ID {
		t.Fatalf("unexpected authenticated user %s", authenticated.ID)
	}
}

func TestSignupIgnoresWelcomeMailFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mailer := notifymock.NewMockMailer(ctrl)
	mailer.EXPECT().
		SendWelcome(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(errors.New("smtp down"))

	service := newTestService(t, ServiceConfig{Mailer: mailer})
	if _, err := service.Signup(context.Background(), SignupRequest{
		FullName: "Grace Hopper",
		Email:    "grace@example.com",
		Password: "cobol-rules",
	}); err != nil {
		t.Fatalf("expected signup to succeed despite mail failure: %v", err)
	}
}

func TestSignupValidation(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	cases := []struct {
		name    string
		request SignupRequest
	}{
		{"missing name", SignupRequest{Email: "a@b.co", Password: "secret1"}},
		{"short password", SignupRequest{FullName: "A", Email: "a@b.co", Password: "12345"}},
		{"bad email", SignupRequest{FullName: "A", Email: "not-an-email", Password: "secret1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := service.Signup(context.Background(), tc.request); !errors.Is(err, ErrInvalidSignup) {
				t.Fatalf("expected invalid signup error, got %v", err)
			}
		})
	}
}

func TestSignupRejectsDuplicateEmail(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	request := SignupRequest{FullName: "Ada", Email: "ada@example.com", Password: "secret1"}
	if _, err := service.Signup(context.Background(), request); err != nil {
		t.Fatalf("first signup failed: %v", err)
	}
	if _, err := service.Signup(context.Background(), request); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	if _, err := service.Signup(context.Background(), SignupRequest{FullName: "Ada", Email: "ada@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("signup failed: %v", err)
	}
	if _, err := service.Authenticate(context.Background(), "ada@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := service.Authenticate(context.Background(), "nobody@example.com", "secret1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestContactsExistsAndFindByIDs(t *testing.T) {
	service := newTestService(t, ServiceConfig{})
	ctx := context.Background()
	for _, request := range []SignupRequest{
		{FullName: "Charlie", Email: "c@example.com", Password: "secret1"},
		{FullName: "Alice", Email: "a@example.com", Password: "secret1"},
		{FullName: "Bob", Email: "b@example.com", Password: "secret1"},
	} {
		if _, err := service.Signup(ctx, request); err != nil {
			t.Fatalf("signup failed: %v", err)
		}
	}

	contacts, err := service.ListContacts(ctx, "user-1")
	if err != nil {
		t.Fatalf("list contacts failed: %v", err)
	}
	if len(contacts) != 2 || contacts[0].FullName != "Alice" || contacts[1].FullName != "Bob" {
		t.Fatalf("unexpected contacts %#v", contacts)
	}

	exists, err := service.Exists(ctx, "user-2")
	if err != nil || !exists {
		t.Fatalf("expected user-2 to exist, got %v %v", exists, err)
	}
	exists, err = service.Exists(ctx, "ghost")
	if err != nil || exists {
		t.Fatalf("expected ghost to be absent, got %v %v", exists, err)
	}

	ordered, err := service.FindByIDs(ctx, []string{"user-3", "ghost", "user-1"})
	if err != nil {
		t.Fatalf("find by ids failed: %v", err)
	}
	if len(ordered) != 2 || ordered[0].ID != "user-3" || ordered[1].ID != "user-1" {
		t.Fatalf("unexpected ordering %#v", ordered)
	}
}

func TestUpdateProfilePictureUploadsImage(t *testing.T) {
	ctrl := gomock.NewController(t)
	uploader := assetsmock.NewMockUploader(ctrl)
	uploader.EXPECT().
		Upload(gomock.Any(), "data:image/png;base64,AAAA").
		Return("https://cdn.example.com/avatar.png", nil)

	service := newTestService(t, ServiceConfig{Uploader: uploader})
	ctx := context.Background()
	user, err := service.Signup(ctx, SignupRequest{FullName: "Ada", Email: "ada@example.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("signup failed: %v", err)
	}

	updated, err := service.UpdateProfilePicture(ctx, user.ID, "data:image/png;base64,AAAA")
	if err != nil {
		t.Fatalf("update profile failed: %v", err)
	}
	if updated.ProfilePicURL != "https://cdn.example.com/avatar.png" {
		t.Fatalf("unexpected profile picture %q", updated.ProfilePicURL)
	}
	reloaded, err := service.FindByID(ctx, user.ID)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.ProfilePicURL != updated.ProfilePicURL {
		t.Fatalf("expected profile picture to be persisted")
	}

	if _, err := service.UpdateProfilePicture(ctx, user.ID, " "); !errors.Is(err, ErrMissingProfilePicture) {
		t.Fatalf("expected missing picture error, got %v", err)
	}
}
