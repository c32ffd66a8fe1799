package hanabot

import (
	"context"
	"encoding/base64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testPNG = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func newTestImageServer(t testing.TB) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(
		"/image.png", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "image/png; charset=binary")
			_, _ = w.Write(testPNG)
		},
	)
	mux.HandleFunc(
		"/untyped.jpg", func(w http.ResponseWriter, r *http.Request) {
			w.Header()["Content-Type"] = nil
			_, _ = w.Write(testPNG)
		},
	)
	mux.HandleFunc(
		"/redirect", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/image.png", http.StatusFound)
		},
	)
	mux.HandleFunc(
		"/missing", func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		},
	)
	mux.HandleFunc(
		"/slow", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		},
	)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestImageFetcher_FetchAndEncode(t *testing.T) {
	srv := newTestImageServer(t)
	fetcher := NewImageFetcher(srv.Client(), 5*time.Second, 1024, nil)
	ctx := context.Background()

	t.Run(
		"content type header", func(t *testing.T) {
			img, err := fetcher.FetchAndEncode(ctx, srv.URL+"/image.png")
			require.NoError(t, err)
			assert.Equal(t, "image/png", img.MIMEType)
			assert.Equal(t, base64.StdEncoding.EncodeToString(testPNG), img.Data)
			assert.Equal(
				t,
				"data:image/png;base64,"+base64.StdEncoding.EncodeToString(testPNG),
				img.DataURI(),
			)
		},
	)

	t.Run(
		"extension fallback", func(t *testing.T) {
			img, err := fetcher.FetchAndEncode(ctx, srv.URL+"/untyped.jpg?size=large")
			require.NoError(t, err)
			assert.Equal(t, "image/jpeg", img.MIMEType)
		},
	)

	t.Run(
		"follows redirects", func(t *testing.T) {
			img, err := fetcher.FetchAndEncode(ctx, srv.URL+"/redirect")
			require.NoError(t, err)
			assert.Equal(t, "image/png", img.MIMEType)
		},
	)

	t.Run(
		"non-2xx status", func(t *testing.T) {
			_, err := fetcher.FetchAndEncode(ctx, srv.URL+"/missing")
			assert.ErrorIs(t, err, ErrImageFetch)
		},
	)

	t.Run(
		"too large", func(t *testing.T) {
			small := NewImageFetcher(srv.Client(), 5*time.Second, 4, nil)
			_, err := small.FetchAndEncode(ctx, srv.URL+"/image.png")
			assert.ErrorIs(t, err, ErrImageFetch)
		},
	)

	t.Run(
		"timeout", func(t *testing.T) {
			quick := NewImageFetcher(srv.Client(), 50*time.Millisecond, 1024, nil)
			_, err := quick.FetchAndEncode(ctx, srv.URL+"/slow")
			assert.ErrorIs(t, err, ErrImageFetch)
		},
	)

	t.Run(
		"invalid url", func(t *testing.T) {
			_, err := fetcher.FetchAndEncode(ctx, "://nope")
			assert.ErrorIs(t, err, ErrImageFetch)
		},
	)
}

func TestImageMIMEType(t *testing.T) {
	testCases := []struct {
		name        string
		contentType string
		url         string
		expected    string
	}{
		{
			name:        "header wins",
			contentType: "image/webp",
			url:         "https://cdn.example.com/a.png",
			expected:    "image/webp",
		},
		{
			name:        "header parameters dropped",
			contentType: "Image/GIF; foo=bar",
			url:         "https://cdn.example.com/a",
			expected:    "image/gif",
		},
		{
			name:     "extension",
			url:      "https://cdn.example.com/attachments/1/2/photo.png?ex=abc&is=def",
			expected: "image/png",
		},
		{
			name:     "unknown extension",
			url:      "https://cdn.example.com/attachments/1/2/photo.zzzunknown",
			expected: defaultImageMIMEType,
		},
		{
			name:     "no extension",
			url:      "https://cdn.example.com/attachments/1/2/photo",
			expected: defaultImageMIMEType,
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				assert.Equal(t, tc.expected, imageMIMEType(tc.contentType, tc.url))
			},
		)
	}
}
