// Package uploads issues presigned object-storage URLs for plan attachments.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrDisabled           = errors.New("uploads are not configured")
	ErrInvalidName        = errors.New("invalid file name")
	ErrUnsupportedContent = errors.New("unsupported content type")
)

var allowedTypes = map[string]bool{
	"application/pdf": true,
	"text/plain":      true,
	"text/csv":        true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	TTL       time.Duration
}

// Grant is a pair of presigned URLs for one object.
type Grant struct {
	Key       string    `json:"key"`
	UploadURL string    `json:"uploadUrl"`
	ViewURL   string    `json:"viewUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Signer struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner builds a signer. Signing is local; no request reaches the
// storage server until a client uses a URL.
func NewSigner(cfg Config) (*Signer, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, ErrDisabled
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Signer{client: client, bucket: cfg.Bucket, ttl: cfg.TTL, now: time.Now}, nil
}

func (s *Signer) Sign(ctx context.Context, planID, filename, contentType string) (Grant, error) {
	if s == nil {
		return Grant{}, ErrDisabled
	}
	name, err := cleanName(filename)
	if err != nil {
		return Grant{}, err
	}
	if !allowedContentType(contentType) {
		return Grant{}, fmt.Errorf("%w: %q", ErrUnsupportedContent, contentType)
	}

	key := fmt.Sprintf("plans/%s/%s-%s", planID, uuid.NewString(), name)
	expires := s.now().Add(s.ttl)
	put, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.ttl)
	if err != nil {
		return Grant{}, fmt.Errorf("presign upload %s: %w", key, err)
	}
	get, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, nil)
	if err != nil {
		return Grant{}, fmt.Errorf("presign view %s: %w", key, err)
	}
	return Grant{Key: key, UploadURL: put.String(), ViewURL: get.String(), ExpiresAt: expires}, nil
}

func cleanName(filename string) (string, error) {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), `\`, "/"))
	if base == "." || base == "/" || base == "" {
		return "", ErrInvalidName
	}
	base = strings.Trim(unsafeName.ReplaceAllString(base, "_"), "_.")
	if base == "" {
		return "", ErrInvalidName
	}
	if len(base) > 120 {
		base = base[len(base)-120:]
	}
	return base, nil
}

func allowedContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	return strings.HasPrefix(ct, "image/") || allowedTypes[ct]
}
