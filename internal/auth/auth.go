// Package auth optionally checks recruitment credentials with an external
// service before a participant is admitted to a lobby.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrRejected indicates the credentials are definitively invalid.
	ErrRejected = errors.New("auth: credentials rejected")

	// ErrUnavailable indicates the verification service is unreachable or
	// failing. Callers choose whether to admit or reject.
	ErrUnavailable = errors.New("auth: unavailable")
)

// DefaultTimeout bounds one verification request.
const DefaultTimeout = 2 * time.Second

// Credentials are what a participant presents when joining.
type Credentials struct {
	WorkerID   string
	AccessCode string
}

// Identity is the verified participant as known to the recruitment service.
type Identity struct {
	WorkerID   string
	Assignment string
}

// Verifier checks join credentials.
type Verifier interface {
	// Verify returns the identity for creds, ErrRejected when they are
	// invalid or ErrUnavailable when the check could not be made.
	Verify(ctx context.Context, creds Credentials) (*Identity, error)
}

// HTTPVerifier posts credentials to an external endpoint.
type HTTPVerifier struct {
	url     string
	secret  string
	timeout time.Duration
	client  *http.Client
}

// NewHTTPVerifier returns a verifier calling url. A non-empty secret is sent
// in the X-Admin-Secret header.
func NewHTTPVerifier(url, secret string, timeout time.Duration) *HTTPVerifier {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPVerifier{
		url:     url,
		secret:  secret,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type verifyRequest struct {
	WorkerID   string `json:"worker_id,omitempty"`
	AccessCode string `json:"access_code,omitempty"`
}

type verifyResponse struct {
	Valid      bool   `json:"valid"`
	WorkerID   string `json:"worker_id,omitempty"`
	Assignment string `json:"assignment,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (v *HTTPVerifier) Verify(ctx context.Context, creds Credentials) (*Identity, error) {
	if creds.WorkerID == "" && creds.AccessCode == "" {
		return nil, ErrRejected
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	body, err := json.Marshal(verifyRequest{WorkerID: creds.WorkerID, AccessCode: creds.AccessCode})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.secret != "" {
		req.Header.Set("X-Admin-Secret", v.secret)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, ErrRejected
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out verifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode error: %v", ErrUnavailable, err)
	}
	if !out.Valid {
		if out.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrRejected, out.Error)
		}
		return nil, ErrRejected
	}

	id := &Identity{WorkerID: out.WorkerID, Assignment: out.Assignment}
	if id.WorkerID == "" {
		id.WorkerID = creds.WorkerID
	}
	return id, nil
}

// AllowAll admits everyone. Used when no verification endpoint is
// configured.
type AllowAll struct{}

func (AllowAll) Verify(_ context.Context, creds Credentials) (*Identity, error) {
	return &Identity{WorkerID: creds.WorkerID}, nil
}
