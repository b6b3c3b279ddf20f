package uploads

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(Config{
		Endpoint:  "localhost:9000",
		AccessKey: "minio",
		SecretKey: "minio-secret",
		Bucket:    "bakeplan",
		Region:    "us-east-1",
		TTL:       10 * time.Minute,
	})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSignIssuesPutAndGetURLs(t *testing.T) {
	s := newTestSigner(t)

	g, err := s.Sign(context.Background(), "pln_1", "../Menu board (final).png", "image/png")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(g.Key, "plans/pln_1/"), g.Key)
	assert.True(t, strings.HasSuffix(g.Key, "-Menu_board_final_.png"), g.Key)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC), g.ExpiresAt)

	put, err := url.Parse(g.UploadURL)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", put.Host)
	assert.Equal(t, "/bakeplan/"+g.Key, put.Path)
	assert.Equal(t, "600", put.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, put.Query().Get("X-Amz-Signature"))

	get, err := url.Parse(g.ViewURL)
	require.NoError(t, err)
	assert.Equal(t, put.Path, get.Path)
}

func TestSignRejectsBadInput(t *testing.T) {
	s := newTestSigner(t)
	ctx := context.Background()

	_, err := s.Sign(ctx, "pln_1", "  ", "image/png")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = s.Sign(ctx, "pln_1", "...", "image/png")
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = s.Sign(ctx, "pln_1", "run.sh", "application/x-sh")
	assert.ErrorIs(t, err, ErrUnsupportedContent)
	_, err = s.Sign(ctx, "pln_1", "costs.csv", "text/csv; charset=utf-8")
	assert.NoError(t, err)
}

func TestSignerDisabledWithoutEndpoint(t *testing.T) {
	_, err := NewSigner(Config{Bucket: "b"})
	assert.ErrorIs(t, err, ErrDisabled)

	var s *Signer
	_, err = s.Sign(context.Background(), "pln_1", "a.png", "image/png")
	assert.ErrorIs(t, err, ErrDisabled)
}
