// Package docclient implements the HTTP side of the document sync protocol:
// fetching snapshots and diffs, pushing updates under a version precondition,
// and obtaining blob upload tokens.
package docclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/canopysync/canopy/internal/protocol"
	"github.com/canopysync/canopy/internal/retry"
)

// Config configures a Client.
type Config struct {
	BaseURL   string
	ProjectID string
	Timeout   time.Duration
	Retry     retry.Config
}

// Client talks to one project on a version-store server.
type Client struct {
	baseURL   string
	projectID string
	http      *http.Client
	retry     retry.Config
}

// New creates a client for one project.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		projectID: cfg.ProjectID,
		http:      &http.Client{Timeout: timeout},
		retry:     cfg.Retry,
	}
}

func (c *Client) projectURL(suffix string) string {
	return fmt.Sprintf("%s/v1/projects/%s%s", c.baseURL, c.projectID, suffix)
}

// serverVersion reads the X-Version header.
func serverVersion(resp *http.Response) (int64, error) {
	raw := resp.Header.Get(protocol.HeaderVersion)
	if raw == "" {
		return 0, &protocol.ProtocolError{Reason: "missing " + protocol.HeaderVersion + " header"}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &protocol.ProtocolError{Reason: "malformed " + protocol.HeaderVersion + " header: " + raw}
	}
	return v, nil
}

// FetchSnapshot downloads the full document state and its version.
func (c *Client) FetchSnapshot(ctx context.Context) ([]byte, int64, error) {
	type result struct {
		state   []byte
		version int64
	}
	res, err := retry.DoWithResult(ctx, c.retry, func() (result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.projectURL(""), nil)
		if err != nil {
			return result{}, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return result{}, statusError(resp)
		}
		version, err := serverVersion(resp)
		if err != nil {
			return result{}, err
		}
		state, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		return result{state: state, version: version}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return res.state, res.version, nil
}

// FetchDiff downloads the incremental update since fromVersion. A nil payload
// with the returned version means the server has not advanced. A purged
// fromVersion yields protocol.ErrNotFound; callers fall back to FetchSnapshot.
func (c *Client) FetchDiff(ctx context.Context, fromVersion int64) (*protocol.Payload, int64, error) {
	type result struct {
		payload *protocol.Payload
		version int64
	}
	res, err := retry.DoWithResult(ctx, c.retry, func() (result, error) {
		url := c.projectURL("/diff?fromVersion=" + strconv.FormatInt(fromVersion, 10))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return result{}, err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNotModified:
			version, err := serverVersion(resp)
			if err != nil {
				return result{}, err
			}
			return result{version: version}, nil
		case http.StatusNotFound:
			return result{}, protocol.NotFound(fmt.Sprintf("diff from version %d", fromVersion))
		case http.StatusOK:
		default:
			return result{}, statusError(resp)
		}

		version, err := serverVersion(resp)
		if err != nil {
			return result{}, err
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		payload, err := protocol.DecodePayload(body)
		if err != nil {
			return result{}, err
		}
		return result{payload: payload, version: version}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return res.payload, res.version, nil
}

// PushUpdate sends an update under the If-Match precondition. On success it
// returns the merged full snapshot and new version; a failed precondition
// surfaces as *protocol.ConflictError carrying the catch-up payload.
func (c *Client) PushUpdate(ctx context.Context, version int64, update []byte) (*protocol.Payload, int64, error) {
	type result struct {
		payload *protocol.Payload
		version int64
	}
	res, err := retry.DoWithResult(ctx, c.retry, func() (result, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.projectURL(""), bytes.NewReader(update))
		if err != nil {
			return result{}, err
		}
		req.Header.Set(protocol.HeaderIfMatch, strconv.FormatInt(version, 10))
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.http.Do(req)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusConflict:
		default:
			return result{}, statusError(resp)
		}

		newVersion, err := serverVersion(resp)
		if err != nil {
			return result{}, err
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return result{}, retry.Retryable(err)
		}
		payload, err := protocol.DecodePayload(body)
		if err != nil {
			return result{}, err
		}

		if resp.StatusCode == http.StatusConflict {
			return result{}, &protocol.ConflictError{
				Version: newVersion,
				Marker:  payload.Marker,
				Update:  payload.Update,
			}
		}
		return result{payload: payload, version: newVersion}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return res.payload, res.version, nil
}

// BlobToken fetches a fresh upload credential for the project. Matches the
// blob transport's TokenFunc signature.
func (c *Client) BlobToken(ctx context.Context) (string, error) {
	return retry.DoWithResult(ctx, c.retry, func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.projectURL("/blob-token"), nil)
		if err != nil {
			return "", err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return "", retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return "", statusError(resp)
		}
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", &protocol.ProtocolError{Reason: "malformed blob-token response: " + err.Error()}
		}
		if body.Token == "" {
			return "", &protocol.ProtocolError{Reason: "empty blob token"}
		}
		return body.Token, nil
	})
}

// statusError maps unexpected status codes onto the error taxonomy: 5xx is
// transient, anything else is fatal.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 {
		return retry.Retryable(err)
	}
	return err
}
