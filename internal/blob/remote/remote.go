// Package remote provides a blob backend that talks to the canopy server's
// content-addressed blob endpoints over HTTP.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/canopysync/canopy/internal/protocol"
	"github.com/canopysync/canopy/internal/retry"
)

// TokenFunc obtains a short-lived, project-scoped upload credential. It is
// called lazily before the first write and again whenever the server rejects
// the cached credential.
type TokenFunc func(ctx context.Context) (string, error)

// Backend implements blob.Backend against the server blob endpoints.
type Backend struct {
	baseURL    string
	projectID  string
	httpClient *http.Client
	retryCfg   retry.Config
	tokenFn    TokenFunc

	mu    sync.Mutex
	token string
}

// Config holds remote backend settings.
type Config struct {
	BaseURL     string
	ProjectID   string
	Timeout     time.Duration
	RetryConfig retry.Config
	TokenFunc   TokenFunc
}

// New creates a remote blob backend.
func New(cfg Config) *Backend {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	return &Backend{
		baseURL:    cfg.BaseURL,
		projectID:  cfg.ProjectID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		retryCfg:   cfg.RetryConfig,
		tokenFn:    cfg.TokenFunc,
	}
}

func (b *Backend) blobURL(hash string) string {
	return fmt.Sprintf("%s/v1/blobs/%s/%s", b.baseURL, b.projectID, hash)
}

func (b *Backend) credential(ctx context.Context, refresh bool) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != "" && !refresh {
		return b.token, nil
	}
	if b.tokenFn == nil {
		return "", fmt.Errorf("no blob credential source configured")
	}
	token, err := b.tokenFn(ctx)
	if err != nil {
		return "", fmt.Errorf("obtain blob credential: %w", err)
	}
	b.token = token
	return token, nil
}

// Get retrieves the content stored under hash.
func (b *Backend) Get(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	type result struct {
		body io.ReadCloser
		size int64
	}
	res, err := retry.DoWithResult(ctx, b.retryCfg, func() (result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.blobURL(hash), nil)
		if err != nil {
			return result{}, err
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return result{body: resp.Body, size: resp.ContentLength}, nil
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			return result{}, protocol.NotFound("blob " + hash)
		case resp.StatusCode >= 500:
			resp.Body.Close()
			return result{}, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
		default:
			resp.Body.Close()
			return result{}, fmt.Errorf("get blob %s: server returned %d", hash, resp.StatusCode)
		}
	})
	if err != nil {
		return nil, 0, err
	}
	return res.body, res.size, nil
}

// Put uploads content under hash using the project-scoped credential.
func (b *Backend) Put(ctx context.Context, hash string, body io.Reader, size int64) error {
	// The body may be consumed on a failed attempt, so buffer it once.
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read blob body: %w", err)
	}

	refresh := false
	return retry.Do(ctx, b.retryCfg, func() error {
		token, err := b.credential(ctx, refresh)
		if err != nil {
			return err
		}
		refresh = false

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.blobURL(hash), bytes.NewReader(data))
		if err != nil {
			return err
		}
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
			return nil
		case resp.StatusCode == http.StatusUnauthorized:
			// Credential expired; fetch a fresh one and retry.
			refresh = true
			return retry.Retryable(fmt.Errorf("blob credential rejected"))
		case resp.StatusCode >= 500:
			return retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
		default:
			return fmt.Errorf("put blob %s: server returned %d", hash, resp.StatusCode)
		}
	})
}

// Exists checks whether content is stored under hash.
func (b *Backend) Exists(ctx context.Context, hash string) (bool, error) {
	return retry.DoWithResult(ctx, b.retryCfg, func() (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.blobURL(hash), nil)
		if err != nil {
			return false, err
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return false, retry.Retryable(err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return true, nil
		case resp.StatusCode == http.StatusNotFound:
			return false, nil
		case resp.StatusCode >= 500:
			return false, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
		default:
			return false, fmt.Errorf("head blob %s: server returned %d", hash, resp.StatusCode)
		}
	})
}

// Delete removes the content under hash.
func (b *Backend) Delete(ctx context.Context, hash string) error {
	return retry.Do(ctx, b.retryCfg, func() error {
		token, err := b.credential(ctx, false)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.blobURL(hash), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
			return nil
		case resp.StatusCode >= 500:
			return retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
		default:
			return fmt.Errorf("delete blob %s: server returned %d", hash, resp.StatusCode)
		}
	})
}

// Type returns "remote".
func (b *Backend) Type() string { return "remote" }

// Close is a no-op for remote backends.
func (b *Backend) Close() error { return nil }
