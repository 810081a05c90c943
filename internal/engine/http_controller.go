package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig describes the media engine's management API.
type HTTPConfig struct {
	BaseURL       string
	Token         string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
}

// HTTPController talks to the engine's management API to read connection
// statistics and kick clients.
type HTTPController struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

type clientStatsResponse struct {
	Code   int `json:"code"`
	Client struct {
		ID        string `json:"id"`
		RecvBytes uint64 `json:"recv_bytes"`
		SendBytes uint64 `json:"send_bytes"`
	} `json:"client"`
}

// NewHTTPController builds a controller for the engine management API.
func NewHTTPController(cfg HTTPConfig) (*HTTPController, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("engine base URL is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &HTTPController{
		baseURL:       baseURL,
		token:         strings.TrimSpace(cfg.Token),
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: cfg.RetryInterval,
	}, nil
}

// SetLogger replaces the controller logger, typically with a component-scoped
// one after wiring.
func (c *HTTPController) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

func (c *HTTPController) Handle(id string) Session {
	return &httpSession{controller: c, id: id}
}

func (c *HTTPController) clientStats(ctx context.Context, id string) (clientStatsResponse, error) {
	var response clientStatsResponse
	url := fmt.Sprintf("%s/api/v1/clients/%s", c.baseURL, id)
	if err := c.getJSON(ctx, url, &response); err != nil {
		return clientStatsResponse{}, err
	}
	if response.Code != 0 {
		return clientStatsResponse{}, fmt.Errorf("engine rejected stats request for client %s: code %d", id, response.Code)
	}
	return response, nil
}

func (c *HTTPController) kickClient(ctx context.Context, id string) error {
	url := fmt.Sprintf("%s/api/v1/clients/%s", c.baseURL, id)
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return err
		}
		c.setAuth(req)
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				// The connection being gone already is success for a kick.
				if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
					lastErr = nil
					return
				}
				data, _ := io.ReadAll(resp.Body)
				lastErr = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
			}()
		}
		if lastErr == nil {
			return nil
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("engine kick failed", "client_id", id, "attempt", attempt, "error", lastErr)
			if err := sleepWithContext(ctx, c.retryInterval); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (c *HTTPController) getJSON(ctx context.Context, url string, dest interface{}) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		c.setAuth(req)
		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode < 200 || resp.StatusCode >= 300 {
					data, _ := io.ReadAll(resp.Body)
					lastErr = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
					return
				}
				lastErr = json.NewDecoder(resp.Body).Decode(dest)
			}()
		}
		if lastErr == nil {
			return nil
		}
		if attempt < c.maxAttempts {
			c.logger.Warn("engine stats request failed", "url", url, "attempt", attempt, "error", lastErr)
			if err := sleepWithContext(ctx, c.retryInterval); err != nil {
				return err
			}
		}
	}
	return lastErr
}

func (c *HTTPController) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

type httpSession struct {
	controller *HTTPController
	id         string
}

func (s *httpSession) ID() string { return s.id }

func (s *httpSession) BytesIn(ctx context.Context) (uint64, error) {
	stats, err := s.controller.clientStats(ctx, s.id)
	if err != nil {
		return 0, err
	}
	return stats.Client.RecvBytes, nil
}

func (s *httpSession) BytesOut(ctx context.Context) (uint64, error) {
	stats, err := s.controller.clientStats(ctx, s.id)
	if err != nil {
		return 0, err
	}
	return stats.Client.SendBytes, nil
}

func (s *httpSession) Terminate(ctx context.Context) error {
	return s.controller.kickClient(ctx, s.id)
}
