package signing

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// WorkloadAPIVersion is the security daemon API version used for signing.
	WorkloadAPIVersion = "2019-01-30"

	algoHMACSHA256 = "HMACSHA256"

	// unixBaseURL is the placeholder host for requests over a unix socket.
	unixBaseURL = "http://workload"

	maxResponseBytes = 64 * 1024
)

// WorkloadConfig identifies the module to the edge security daemon.
type WorkloadConfig struct {
	// URI is the workload endpoint: http(s)://host:port or unix:///path.
	URI string

	ModuleID     string
	GenerationID string

	// KeyID selects the module key ("primary" or "secondary").
	KeyID string

	// Timeout bounds one signing call. Zero uses the default of 10s.
	Timeout time.Duration
}

// WorkloadSigner signs through the edge security daemon's workload API, so
// the module key never leaves the daemon.
type WorkloadSigner struct {
	cfg     WorkloadConfig
	baseURL string
	client  *http.Client
}

type signRequest struct {
	KeyID string `json:"keyId"`
	Algo  string `json:"algo"`
	Data  string `json:"data"`
}

type signResponse struct {
	Digest string `json:"digest"`
}

type workloadError struct {
	Message string `json:"message"`
}

// NewWorkloadSigner creates a signer for the configured workload endpoint.
//
// Returns:
//   - *WorkloadSigner: Ready signer
//   - error: ErrUnsupportedScheme for URIs other than http, https or unix
func NewWorkloadSigner(cfg WorkloadConfig) (*WorkloadSigner, error) {
	if cfg.KeyID == "" {
		cfg.KeyID = "primary"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, fmt.Errorf("parsing workload uri: %w", err)
	}

	s := &WorkloadSigner{cfg: cfg}
	switch u.Scheme {
	case "http", "https":
		s.baseURL = strings.TrimSuffix(cfg.URI, "/")
		s.client = &http.Client{Timeout: cfg.Timeout}
	case "unix":
		socket := u.Path
		dialer := &net.Dialer{}
		s.baseURL = unixBaseURL
		s.client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					return dialer.DialContext(ctx, "unix", socket)
				},
			},
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return s, nil
}

// Sign asks the daemon for base64(HMAC-SHA256(moduleKey, data)).
//
// Parameters:
//   - ctx: Cancels the HTTP call
//   - data: The value to sign, usually a leaf device ID
//
// Returns:
//   - string: Base64-encoded digest
//   - error: ErrSigningFailed (wrapped) for transport errors or non-2xx replies
func (s *WorkloadSigner) Sign(ctx context.Context, data string) (string, error) {
	body, err := json.Marshal(signRequest{
		KeyID: s.cfg.KeyID,
		Algo:  algoHMACSHA256,
		Data:  base64.StdEncoding.EncodeToString([]byte(data)),
	})
	if err != nil {
		return "", fmt.Errorf("encoding sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.signURL(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSigningFailed, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %w", ErrSigningFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var werr workloadError
		if json.Unmarshal(raw, &werr) == nil && werr.Message != "" {
			return "", fmt.Errorf("%w: status %d: %s", ErrSigningFailed, resp.StatusCode, werr.Message)
		}
		return "", fmt.Errorf("%w: status %d", ErrSigningFailed, resp.StatusCode)
	}

	var out signResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %w", ErrSigningFailed, err)
	}
	if out.Digest == "" {
		return "", fmt.Errorf("%w: empty digest", ErrSigningFailed)
	}
	return out.Digest, nil
}

func (s *WorkloadSigner) signURL() string {
	return fmt.Sprintf("%s/modules/%s/genid/%s/sign?api-version=%s",
		s.baseURL,
		url.PathEscape(s.cfg.ModuleID),
		url.PathEscape(s.cfg.GenerationID),
		url.QueryEscape(WorkloadAPIVersion))
}
