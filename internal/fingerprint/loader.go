package fingerprint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultFetchTimeout  = 10 * time.Second
	DefaultBodyByteLimit = 8 * 1024 * 1024

	defaultUserAgent = "AdObservatory-Fingerprinter/1.0"
)

// ImageLoader resolves a creative image reference to raw bytes.
type ImageLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// HTTPImageLoader fetches creative images over HTTP(S).
type HTTPImageLoader struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	Client        *http.Client
}

func (l HTTPImageLoader) Load(ctx context.Context, ref string) ([]byte, error) {
	target := strings.TrimSpace(ref)
	if target == "" {
		return nil, fmt.Errorf("image reference is required")
	}

	timeout := l.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	limit := l.BodyByteLimit
	if limit <= 0 {
		limit = DefaultBodyByteLimit
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	userAgent := strings.TrimSpace(l.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "image/png,image/jpeg,image/gif;q=0.9,*/*;q=0.5")

	client := l.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image exceeds %d bytes", limit)
	}
	return body, nil
}
