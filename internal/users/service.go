package users

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const minimumPasswordLength = 6

var (
	// ErrInvalidSignup indicates missing or malformed signup fields.
	ErrInvalidSignup = errors.New("users: invalid signup")
	// ErrEmailTaken indicates the email already belongs to an account.
	ErrEmailTaken = errors.New("users: email already exists")
	// ErrInvalidCredentials indicates an unknown email or a wrong password.
	ErrInvalidCredentials = errors.New("users: invalid email or password")
	// ErrUserNotFound indicates no account matches the identifier.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrMissingProfilePicture indicates an empty profile picture update.
	ErrMissingProfilePicture = errors.New("users: profile picture is required")
	// ErrUploadFailed indicates the asset host did not accept the profile picture.
	ErrUploadFailed = errors.New("users: profile picture upload failed")

	errMissingDatabase   = errors.New("users: database connection required")
	errMissingIDProvider = errors.New("users: id provider required")
	errMissingHasher     = errors.New("users: password hasher required")

	emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

// PasswordHasher hashes new passwords and verifies login attempts.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
}

// ImageUploader stores profile pictures on the asset host.
type ImageUploader interface {
	Upload(ctx context.Context, image string) (string, error)
}

// WelcomeMailer greets new accounts.
type WelcomeMailer interface {
	SendWelcome(ctx context.Context, recipient, fullName string) error
}

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Hasher     PasswordHasher
	Uploader   ImageUploader
	Mailer     WelcomeMailer
	Logger     *zap.Logger
}

// Service manages user accounts and serves as the user side of the persistence gateway.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider ids.Provider
	hasher     PasswordHasher
	uploader   ImageUploader
	mailer     WelcomeMailer
	logger     *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	if cfg.Hasher == nil {
		return nil, errMissingHasher
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		hasher:     cfg.Hasher,
		uploader:   cfg.Uploader,
		mailer:     cfg.Mailer,
		logger:     logger,
	}, nil
}

// Signup validates the request, stores a new account and sends a best-effort welcome mail.
func (s *Service) Signup(ctx context.Context, request SignupRequest) (User, error) {
	fullName := normalize(request.FullName)
	email := normalizeEmail(request.Email)
	if fullName == "" || email == "" || request.Password == "" {
		return User{}, fmt.Errorf("%w: all fields are required", ErrInvalidSignup)
	}
	if len(request.Password) < minimumPasswordLength {
		return User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidSignup, minimumPasswordLength)
	}
	if !emailPattern.MatchString(email) {
		return User{}, fmt.Errorf("%w: invalid email format", ErrInvalidSignup)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		s.logger.Error("email lookup failed", zap.Error(err))
		return User{}, err
	}
	if existing > 0 {
		return User{}, ErrEmailTaken
	}

	hash, err := s.hasher.Hash(request.Password)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	userID, err := s.idProvider.NewID()
	if err != nil {
		return User{}, fmt.Errorf("users: generate id: %w", err)
	}

	now := s.now().UTC()
	user := User{
		ID:           userID,
		Email:        email,
		FullName:     fullName,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ErrEmailTaken
		}
		s.logger.Error("user insert failed", zap.Error(err))
		return User{}, err
	}

	if s.mailer != nil {
		if err := s.mailer.SendWelcome(ctx, user.Email, user.FullName); err != nil {
			s.logger.Warn("welcome mail failed", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	s.logger.Info("user signed up", zap.String("user_id", user.ID))
	return user, nil
}

// Authenticate resolves an email and password pair to the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" || password == "" {
		return User{}, fmt.Errorf("%w: email and password are required", ErrInvalidSignup)
	}
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", normalized).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// FindByID loads one account.
func (s *Service) FindByID(ctx context.Context, userID string) (User, error) {
	id := normalize(userID)
	if id == "" {
		return User{}, ErrUserNotFound
	}
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Exists reports whether an account with userID is stored.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	id := normalize(userID)
	if id == "" {
		return false, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListContacts returns every account except excludeID ordered by name.
func (s *Service) ListContacts(ctx context.Context, excludeID string) ([]User, error) {
	var contacts []User
	if err := s.db.WithContext(ctx).
		Where("id <> ?", normalize(excludeID)).
		Order("full_name ASC").
		Find(&contacts).Error; err != nil {
		return nil, err
	}
	return contacts, nil
}

// FindByIDs loads the accounts for userIDs, preserving the order of userIDs and skipping unknown ids.
func (s *Service) FindByIDs(ctx context.Context, userIDs []string) ([]User, error) {
	if len(userIDs) == 0 {
		return []User{}, nil
	}
	var found []User
	if err := s.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&found).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]User, len(found))
	for _, user := range found {
		byID[user.ID] = user
	}
	ordered := make([]User, 0, len(found))
	for _, id := range userIDs {
		if user, ok := byID[id]; ok {
			ordered = append(ordered, user)
		}
	}
	return ordered, nil
}

// UpdateProfilePicture uploads image and stores the resulting URL on the account.
func (s *Service) UpdateProfilePicture(ctx context.Context, userID, image string) (User, error) {
	if normalize(image) == "" {
		return User{}, ErrMissingProfilePicture
	}
	user, err := s.FindByID(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if s.uploader == nil {
		return User{}, fmt.Errorf("%w: no uploader configured", ErrUploadFailed)
	}
	url, err := s.uploader.Upload(ctx, image)
	if err != nil {
		s.logger.Warn("profile picture upload failed", zap.String("user_id", user.ID), zap.Error(err))
		return User{}, fmt.Errorf("%w: %w", ErrUploadFailed, err)
	}

	updatedAt := s.now().UTC()
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", user.ID).
		Updates(map[string]interface{}{
			"profile_pic_url": url,
			"updated_at":      updatedAt,
		}).Error; err != nil {
		return User{}, err
	}
	user.ProfilePicURL = url
	user.UpdatedAt = updatedAt
	return user, nil
}
