package hanabot

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const defaultImageMIMEType = "image/png"

// ErrImageFetch is returned (wrapped) for any failure to download an image
var ErrImageFetch = errors.New("image fetch failed")

// EncodedImage is a downloaded image, base64 encoded
type EncodedImage struct {
	Data     string
	MIMEType string
}

// DataURI renders the image as a data URI, suitable for an image_url
// message part
func (i EncodedImage) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", i.MIMEType, i.Data)
}

// ImageFetcher downloads image attachments
type ImageFetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *slog.Logger
}

func NewImageFetcher(
	client *http.Client,
	timeout time.Duration,
	maxBytes int64,
	logger *slog.Logger,
) *ImageFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageFetcher{
		client:   client,
		timeout:  timeout,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// FetchAndEncode downloads the image at imageURL and base64-encodes it.
// Redirects are followed.
func (f *ImageFetcher) FetchAndEncode(ctx context.Context, imageURL string) (
	EncodedImage,
	error,
) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return EncodedImage{}, fmt.Errorf("%w: %w", ErrImageFetch, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return EncodedImage{}, fmt.Errorf("%w: %w", ErrImageFetch, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return EncodedImage{}, fmt.Errorf(
			"%w: unexpected status: %s",
			ErrImageFetch,
			resp.Status,
		)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return EncodedImage{}, fmt.Errorf("%w: %w", ErrImageFetch, err)
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return EncodedImage{}, fmt.Errorf(
			"%w: image exceeds %d bytes",
			ErrImageFetch,
			f.maxBytes,
		)
	}

	mimeType := imageMIMEType(resp.Header.Get("Content-Type"), imageURL)
	f.logger.DebugContext(
		ctx,
		"fetched image",
		"url", imageURL,
		"mime_type", mimeType,
		"size", len(data),
	)
	return EncodedImage{
		Data:     base64.StdEncoding.EncodeToString(data),
		MIMEType: mimeType,
	}, nil
}

// imageMIMEType returns the media type from a Content-Type header value,
// falling back to a guess from the URL's path extension, and finally
// to image/png.
func imageMIMEType(contentType string, imageURL string) string {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	if mediaType != "" {
		return mediaType
	}

	if u, err := url.Parse(imageURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" {
			guessed, _, _ := strings.Cut(mime.TypeByExtension(ext), ";")
			if guessed != "" {
				return guessed
			}
		}
	}
	return defaultImageMIMEType
}
