package assets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testDataURI = "data:image/png;base64,iVBORw0KGgo="

func TestCloudinaryUploaderSignsAndReturnsSecureURL(t *testing.T) {
	fixedNow := time.Unix(1700000000, 0)
	var received map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo/image/upload" {
			t.Errorf("unexpected upload path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse form: %v", err)
		}
		received = map[string]string{
			"file":      r.PostForm.Get("file"),
			"api_key":   r.PostForm.Get("api_key"),
			"timestamp": r.PostForm.Get("timestamp"),
			"signature": r.PostForm.Get("signature"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"secure_url":"https://cdn.example.com/demo/abc.png","public_id":"abc"}`))
	}))
	t.Cleanup(server.Close)

	uploader, err := NewCloudinaryUploader(CloudinaryConfig{
		CloudName: "demo",
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   server.URL,
		Clock:     func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("failed to construct uploader: %v", err)
	}

	url, err := uploader.Upload(context.Background(), testDataURI)
	if err != nil {
		t.Fatalf("unexpected upload error: %v", err)
	}
	if url != "https://cdn.example.com/demo/abc.png" {
		t.Fatalf("unexpected secure url %q", url)
	}
	if received["file"] != testDataURI || received["api_key"] != "key" || received["timestamp"] != "1700000000" {
		t.Fatalf("unexpected form payload %#v", received)
	}
	expectedSignature := signParams(map[string]string{"timestamp": "1700000000"}, "secret")
	if received["signature"] != expectedSignature {
		t.Fatalf("unexpected signature %q, want %q", received["signature"], expectedSignature)
	}
}

func TestCloudinaryUploaderSurfacesRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid image file"}}`))
	}))
	t.Cleanup(server.Close)

	uploader, err := NewCloudinaryUploader(CloudinaryConfig{
		CloudName: "demo",
		APIKey:    "key",
		APISecret: "secret",
		BaseURL:   server.URL,
	})
	if err != nil {
		t.Fatalf("failed to construct uploader: %v", err)
	}

	if _, err := uploader.Upload(context.Background(), testDataURI); !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected rejection error, got %v", err)
	}
}

func TestValidateImage(t *testing.T) {
	cases := []struct {
		image string
		want  error
	}{
		{testDataURI, nil},
		{"https://example.com/cat.png", nil},
		{"   ", ErrEmptyImage},
		{"not-an-image", ErrUnsupportedImage},
		{"data:text/plain;base64,aGk=", ErrUnsupportedImage},
	}
	for _, tc := range cases {
		if err := ValidateImage(tc.image); !errors.Is(err, tc.want) {
			t.Fatalf("ValidateImage(%q): expected %v, got %v", tc.image, tc.want, err)
		}
	}
}

func TestSignParamsMatchesKnownDigest(t *testing.T) {
	// sha1("public_id=sample_image&timestamp=1315060510abcd")
	got := signParams(map[string]string{"timestamp": "1315060510", "public_id": "sample_image"}, "abcd")
	if got != "b4ad47fb4e25c7bf5f92a20089f9db59bc302313" {
		t.Fatalf("unexpected signature %s", got)
	}
}

func TestDisabledUploaderRejects(t *testing.T) {
	if _, err := (DisabledUploader{}).Upload(context.Background(), testDataURI); !errors.Is(err, ErrUploadsDisabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}
}
