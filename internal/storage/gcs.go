package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const (
	gcsHost          = "storage.googleapis.com"
	gcsPublicBaseURL = "https://" + gcsHost
)

// GCSStorage is a Google Cloud Storage object store. Signed URLs use the
// service account from the client credentials unless SignerEmail and
// PrivateKey are set explicitly.
type GCSStorage struct {
	client      *gcs.Client
	bucket      string
	signerEmail string
	privateKey  []byte
	now         func() time.Time
}

type GCSConfig struct {
	Bucket          string
	CredentialsFile string
	SignerEmail     string
	PrivateKey      []byte
}

func NewGCS(ctx context.Context, cfg GCSConfig) (*GCSStorage, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSStorage{
		client:      client,
		bucket:      cfg.Bucket,
		signerEmail: cfg.SignerEmail,
		privateKey:  cfg.PrivateKey,
		now:         time.Now,
	}, nil
}

func (s *GCSStorage) signedURL(key, method string, expiry time.Duration) (string, error) {
	opts := &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  method,
		Expires: s.now().Add(expiry),
	}
	if s.signerEmail != "" {
		opts.GoogleAccessID = s.signerEmail
	}
	if len(s.privateKey) > 0 {
		opts.PrivateKey = s.privateKey
	}
	return s.client.Bucket(s.bucket).SignedURL(key, opts)
}

func (s *GCSStorage) PresignUploadURL(_ context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.signedURL(key, http.MethodPut, expiry)
	if err != nil {
		return "", fmt.Errorf("sign upload url: %w", err)
	}
	return u, nil
}

func (s *GCSStorage) ReadURL(_ context.Context, key string) (string, error) {
	u, err := s.signedURL(key, http.MethodGet, ReadURLExpiry)
	if err != nil {
		return "", fmt.Errorf("sign read url: %w", err)
	}
	return u, nil
}

func (s *GCSStorage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("object attrs %s: %w", key, err)
}

func (s *GCSStorage) PublicURL(key string) string {
	return gcsPublicBaseURL + "/" + s.bucket + "/" + escapeKey(key)
}

func (s *GCSStorage) URI(key string) string {
	return "gs://" + s.bucket + "/" + key
}

func (s *GCSStorage) SetCORS(ctx context.Context, allowedOrigins []string) error {
	_, err := s.client.Bucket(s.bucket).Update(ctx, gcs.BucketAttrsToUpdate{
		CORS: []gcs.CORS{{
			Origins:         allowedOrigins,
			Methods:         []string{"GET", "PUT"},
			ResponseHeaders: []string{"Content-Type"},
			MaxAge:          time.Hour,
		}},
	})
	if err != nil {
		return fmt.Errorf("set bucket CORS: %w", err)
	}
	return nil
}

func (s *GCSStorage) Close() error {
	return s.client.Close()
}
