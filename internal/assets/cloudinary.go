package assets

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	defaultBaseURL = "https://api.cloudinary.com/v1_1"
	defaultTimeout = 30 * time.Second
)

var (
	ErrEmptyImage       = errors.New("assets: image payload is empty")
	ErrUnsupportedImage = errors.New("assets: image must be a data uri or an http(s) url")
	ErrUploadsDisabled  = errors.New("assets: uploads are not configured")
	ErrUploadRejected   = errors.New("assets: upload rejected by asset host")
	ErrMissingCloudName = errors.New("assets: cloud name is required")
	ErrMissingAPIKey    = errors.New("assets: api key is required")
	ErrMissingAPISecret = errors.New("assets: api secret is required")
	ErrMissingSecureURL = errors.New("assets: asset host response missing secure_url")
)

// Uploader stores an image payload and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, image string) (string, error)
}

// CloudinaryConfig configures the Cloudinary upload client.
type CloudinaryConfig struct {
	CloudName  string
	APIKey     string
	APISecret  string
	BaseURL    string
	Folder     string
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// CloudinaryUploader uploads images through the Cloudinary signed upload API.
type CloudinaryUploader struct {
	client    *resty.Client
	cloudName string
	apiKey    string
	apiSecret string
	folder    string
	clock     func() time.Time
	logger    *zap.Logger
}

type uploadResponse struct {
	SecureURL string `json:"secure_url"`
	PublicID  string `json:"public_id"`
}

type uploadErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewCloudinaryUploader validates configuration and constructs the uploader.
func NewCloudinaryUploader(cfg CloudinaryConfig) (*CloudinaryUploader, error) {
	if strings.TrimSpace(cfg.CloudName) == "" {
		return nil, ErrMissingCloudName
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if strings.TrimSpace(cfg.APISecret) == "" {
		return nil, ErrMissingAPISecret
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New().SetTimeout(defaultTimeout)
	}
	client.SetBaseURL(baseURL)

	return &CloudinaryUploader{
		client:    client,
		cloudName: strings.TrimSpace(cfg.CloudName),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		apiSecret: strings.TrimSpace(cfg.APISecret),
		folder:    strings.TrimSpace(cfg.Folder),
		clock:     clock,
		logger:    logger,
	}, nil
}

// Upload sends image, a data uri or remote url, to the asset host and returns the secure URL.
func (u *CloudinaryUploader) Upload(ctx context.Context, image string) (string, error) {
	if err := ValidateImage(image); err != nil {
		return "", err
	}

	params := map[string]string{
		"timestamp": strconv.FormatInt(u.clock().Unix(), 10),
	}
	if u.folder != "" {
		params["folder"] = u.folder
	}
	form := map[string]string{
		"file":      image,
		"api_key":   u.apiKey,
		"signature": signParams(params, u.apiSecret),
	}
	for key, value := range params {
		form[key] = value
	}

	var result uploadResponse
	var failure uploadErrorResponse
	response, err := u.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		SetError(&failure).
		Post(fmt.Sprintf("/%s/image/upload", u.cloudName))
	if err != nil {
		u.logger.Warn("asset upload request failed", zap.Error(err))
		return "", fmt.Errorf("assets: upload request: %w", err)
	}
	if response.IsError() {
		u.logger.Warn("asset upload rejected",
			zap.Int("status", response.StatusCode()),
			zap.String("message", failure.Error.Message))
		return "", fmt.Errorf("%w: status %d: %s", ErrUploadRejected, response.StatusCode(), failure.Error.Message)
	}
	if strings.TrimSpace(result.SecureURL) == "" {
		return "", ErrMissingSecureURL
	}

	u.logger.Debug("asset uploaded", zap.String("public_id", result.PublicID))
	return result.SecureURL, nil
}

// ValidateImage checks that image is a payload the asset host accepts.
func ValidateImage(image string) error {
	trimmed := strings.TrimSpace(image)
	if trimmed == "" {
		return ErrEmptyImage
	}
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "data:image/") && strings.Contains(lower, ";base64,") {
		return nil
	}
	if strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://") {
		return nil
	}
	return ErrUnsupportedImage
}

// signParams builds the Cloudinary request signature: the sorted key=value
// pairs joined with '&', followed by the api secret, hashed with SHA-1.
func signParams(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+params[key])
	}
	digest := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(digest[:])
}

// DisabledUploader rejects every upload. It backs deployments without asset host credentials.
type DisabledUploader struct{}

func (DisabledUploader) Upload(context.Context, string) (string, error) {
	return "", ErrUploadsDisabled
}
