package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"laughingfox/internal/config"
	"laughingfox/internal/domain"
)

// Bootstrapper fetches a fresh credential set: used on first start and
// after the stored session was found corrupted.
type Bootstrapper interface {
	Fetch(ctx context.Context) (domain.Credentials, error)
}

// ErrSessionNotFound is returned when the remote source has no session for
// the configured id.
var ErrSessionNotFound = errors.New("credential: session not found")

// None is the bootstrapper for interactive pairing: the session starts with
// empty credentials and the protocol side prints a pairing code.
type None struct{}

func (None) Fetch(context.Context) (domain.Credentials, error) {
	return domain.Credentials{}, nil
}

const maxRetries = 3

type HTTPConfig struct {
	BaseURL       string
	SessionID     string
	SessionPrefix string
	Client        *http.Client
	Logger        *slog.Logger
	// Backoff computes the wait before retry attempt n (1-based). Defaults
	// to n² seconds plus jitter.
	Backoff func(attempt int) time.Duration
}

// HTTPBootstrap downloads creds.json from <BaseURL>/<session id>, with the
// session id's marketing prefix stripped.
type HTTPBootstrap struct {
	baseURL   string
	sessionID string
	client    *http.Client
	logger    *slog.Logger
	backoff   func(int) time.Duration
}

func NewHTTPBootstrap(cfg HTTPConfig) *HTTPBootstrap {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Backoff == nil {
		cfg.Backoff = jitteredBackoff
	}
	return &HTTPBootstrap{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		sessionID: strings.TrimPrefix(strings.TrimSpace(cfg.SessionID), cfg.SessionPrefix),
		client:    cfg.Client,
		logger:    cfg.Logger,
		backoff:   cfg.Backoff,
	}
}

func jitteredBackoff(attempt int) time.Duration {
	base := time.Duration(attempt*attempt) * time.Second
	return base + time.Duration(rand.Int64N(int64(base/2+1)))
}

func (h *HTTPBootstrap) Fetch(ctx context.Context) (domain.Credentials, error) {
	if h.sessionID == "" {
		return nil, errors.New("credential: session id is empty")
	}
	target := h.baseURL + "/" + url.PathEscape(h.sessionID)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := h.backoff(attempt)
			h.logger.Warn("retrying session download", "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		creds, retry, err := h.fetchOnce(ctx, target)
		if err == nil {
			h.logger.Info("session credentials downloaded", "fields", len(creds))
			return creds, nil
		}
		if !retry {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("credential: download failed after %d retries: %w", maxRetries, lastErr)
}

func (h *HTTPBootstrap) fetchOnce(ctx context.Context, target string) (domain.Credentials, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, fmt.Errorf("credential: build request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("credential: download: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, true, fmt.Errorf("credential: read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, fmt.Errorf("%w: %s", ErrSessionNotFound, h.sessionID)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, fmt.Errorf("credential: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("credential: HTTP %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	creds, err := decodeCreds(body)
	if err != nil {
		return nil, false, err
	}
	return creds, false, nil
}

func decodeCreds(body []byte) (domain.Credentials, error) {
	var creds domain.Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("credential: decode creds.json: %w", err)
	}
	if len(creds) == 0 {
		return nil, errors.New("credential: downloaded creds.json is empty")
	}
	return creds, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// NewBootstrapper builds the bootstrapper selected by cfg.Source.
func NewBootstrapper(ctx context.Context, cfg config.BootstrapConfig, logger *slog.Logger) (Bootstrapper, error) {
	switch cfg.Source {
	case "", "none":
		return None{}, nil
	case "http":
		return NewHTTPBootstrap(HTTPConfig{
			BaseURL:       cfg.URL,
			SessionID:     cfg.SessionID,
			SessionPrefix: cfg.SessionPrefix,
			Logger:        logger,
		}), nil
	case "ssm":
		api, err := newSSMClient(ctx, cfg.Region)
		if err != nil {
			return nil, err
		}
		return NewSSMBootstrap(api, cfg.SSMParameter)
	default:
		return nil, fmt.Errorf("credential: unknown bootstrap source %q", cfg.Source)
	}
}
