package messages

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew  = "messages.service.new"
	opSubmit      = "messages.submit"
	opHistory     = "messages.history"
	opChatPartner = "messages.chat_partners"

	// maxTextLength counts characters, not bytes.
	maxTextLength = 4000
)

var (
	errMissingDatabase      = errors.New("database handle is required")
	errMissingIDProvider    = errors.New("id provider is required")
	errMissingUserDirectory = errors.New("user directory is required")
	errMissingUploader      = errors.New("image uploader is not configured")
	errMissingContent       = errors.New("message must contain text or an image")
	errSelfSend             = errors.New("sender and receiver cannot be the same user")
	errMissingSender        = errors.New("sender is required")
	errMissingReceiver      = errors.New("receiver is required")
	errTextTooLong          = errors.New("message text is too long")
	errUnknownReceiver      = errors.New("receiver user not found")
	noOpLogger              = zap.NewNop()
)

// UserDirectory answers whether a user id belongs to a stored account.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// ImageUploader replaces an image payload with its hosted URL.
type ImageUploader interface {
	Upload(ctx context.Context, image string) (string, error)
}

// ServiceConfig describes the dependencies of the message service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Users      UserDirectory
	Uploader   ImageUploader
	Logger     *zap.Logger
}

// Service validates, persists and queries chat messages.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	users      UserDirectory
	uploader   ImageUploader
	logger     *zap.Logger
}

// NewService constructs the message service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", nil, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", nil, errMissingIDProvider)
	}
	if cfg.Users == nil {
		return nil, newServiceError(opServiceNew, "missing_user_directory", nil, errMissingUserDirectory)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		users:      cfg.Users,
		uploader:   cfg.Uploader,
		logger:     logger,
	}, nil
}

// Submit validates the submission, uploads its image, and persists the canonical record.
// Nothing is stored unless every step succeeds.
func (s *Service) Submit(ctx context.Context, submission Submission) (Message, error) {
	input := submission.normalized()
	if input.SenderID == "" {
		return Message{}, newServiceError(opSubmit, "missing_sender", ErrValidation, errMissingSender)
	}
	if input.ReceiverID == "" {
		return Message{}, newServiceError(opSubmit, "missing_receiver", ErrValidation, errMissingReceiver)
	}
	if input.Text == "" && input.Image == "" {
		return Message{}, newServiceError(opSubmit, "missing_content", ErrValidation, errMissingContent)
	}
	if input.SenderID == input.ReceiverID {
		return Message{}, newServiceError(opSubmit, "self_send", ErrValidation, errSelfSend)
	}
	if utf8.RuneCountInString(input.Text) > maxTextLength {
		return Message{}, newServiceError(opSubmit, "text_too_long", ErrValidation, errTextTooLong)
	}

	exists, err := s.users.Exists(ctx, input.ReceiverID)
	if err != nil {
		s.logError(opSubmit, "receiver_lookup_failed", err, zap.String("receiver_id", input.ReceiverID))
		return Message{}, newServiceError(opSubmit, "receiver_lookup_failed", ErrPersistence, err)
	}
	if !exists {
		return Message{}, newServiceError(opSubmit, "unknown_receiver", ErrNotFound, errUnknownReceiver)
	}

	imageURL := ""
	if input.Image != "" {
		if s.uploader == nil {
			return Message{}, newServiceError(opSubmit, "upload_unavailable", ErrUpload, errMissingUploader)
		}
		imageURL, err = s.uploader.Upload(ctx, input.Image)
		if err != nil {
			s.logError(opSubmit, "upload_failed", err, zap.String("sender_id", input.SenderID))
			return Message{}, newServiceError(opSubmit, "upload_failed", ErrUpload, err)
		}
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmit, "id_generation_failed", err)
		return Message{}, newServiceError(opSubmit, "id_generation_failed", ErrPersistence, err)
	}

	message := Message{
		ID:         messageID,
		SenderID:   input.SenderID,
		ReceiverID: input.ReceiverID,
		Text:       input.Text,
		ImageURL:   imageURL,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opSubmit, "insert_failed", err,
			zap.String("sender_id", input.SenderID),
			zap.String("receiver_id", input.ReceiverID))
		return Message{}, newServiceError(opSubmit, "insert_failed", ErrPersistence, err)
	}

	s.logger.Debug("message stored",
		zap.String("message_id", message.ID),
		zap.String("sender_id", message.SenderID),
		zap.String("receiver_id", message.ReceiverID))
	return message, nil
}

// History returns every message exchanged between userID and partnerID, oldest first.
func (s *Service) History(ctx context.Context, userID, partnerID string) ([]Message, error) {
	user := strings.TrimSpace(userID)
	partner := strings.TrimSpace(partnerID)
	if user == "" || partner == "" {
		return nil, newServiceError(opHistory, "missing_participant", ErrValidation, errMissingReceiver)
	}

	history := make([]Message, 0)
	if err := s.db.WithContext(ctx).
		Where("(sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)", user, partner, partner, user).
		Order("created_at ASC").
		Order("id ASC").
		Find(&history).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("user_id", user), zap.String("partner_id", partner))
		return nil, newServiceError(opHistory, "query_failed", ErrPersistence, err)
	}
	return history, nil
}

// ChatPartnerIDs returns the ids of everyone userID exchanged messages with, most recent activity first.
func (s *Service) ChatPartnerIDs(ctx context.Context, userID string) ([]string, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return nil, newServiceError(opChatPartner, "missing_user", ErrValidation, errMissingSender)
	}

	partnerIDs := make([]string, 0)
	if err := s.db.WithContext(ctx).Raw(`
		SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS partner_id
		FROM messages
		WHERE sender_id = ? OR receiver_id = ?
		GROUP BY partner_id
		ORDER BY MAX(created_at) DESC, MAX(id) DESC`, user, user, user).
		Scan(&partnerIDs).Error; err != nil {
		s.logError(opChatPartner, "query_failed", err, zap.String("user_id", user))
		return nil, newServiceError(opChatPartner, "query_failed", ErrPersistence, err)
	}
	return partnerIDs, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("messages service error", attrs...)
}
