// Package sidecar drives the collaborator services attached to a live
// session: the recorder and restreamer processes, operator notifications,
// and quota snapshot publication.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamgate/internal/models"
)

// RecordingJob describes the stream a recorder should capture.
type RecordingJob struct {
	StreamKey string `json:"streamKey"`
	Path      string `json:"path"`
	AccountID string `json:"accountId"`
}

// RecordingResult is the recorder's description of the captured file. A zero
// SizeBytes means nothing was captured.
type RecordingResult struct {
	Filename        string           `json:"filename"`
	Location        string           `json:"location"`
	SizeBytes       models.ByteCount `json:"sizeBytes"`
	DurationSeconds int              `json:"durationSeconds"`
}

// RestreamJob describes the stream a restreamer should forward.
type RestreamJob struct {
	StreamKey string `json:"streamKey"`
	Path      string `json:"path"`
	AccountID string `json:"accountId"`
}

// Recorder starts and stops capture jobs for live sessions.
type Recorder interface {
	StartRecording(ctx context.Context, job RecordingJob) error
	StopRecording(ctx context.Context, streamKey string) (RecordingResult, error)
}

// Restreamer starts and stops forwarding jobs for live sessions.
type Restreamer interface {
	StartRestream(ctx context.Context, job RestreamJob) error
	StopRestream(ctx context.Context, streamKey string) error
}

// NoopRecorder is used when no recorder service is configured.
type NoopRecorder struct{}

func (NoopRecorder) StartRecording(context.Context, RecordingJob) error { return nil }

func (NoopRecorder) StopRecording(context.Context, string) (RecordingResult, error) {
	return RecordingResult{}, nil
}

// NoopRestreamer is used when no restreamer service is configured.
type NoopRestreamer struct{}

func (NoopRestreamer) StartRestream(context.Context, RestreamJob) error { return nil }

func (NoopRestreamer) StopRestream(context.Context, string) error { return nil }

// HTTPRecorder drives a recorder service over its management API.
type HTTPRecorder struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// NewHTTPRecorder constructs a recorder adapter for the service at baseURL.
func NewHTTPRecorder(baseURL, token string, client *http.Client, logger *slog.Logger, attempts int, interval time.Duration) *HTTPRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &HTTPRecorder{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}
}

func (a *HTTPRecorder) StartRecording(ctx context.Context, job RecordingJob) error {
	return postJSON(ctx, a.client, fmt.Sprintf("%s/v1/recordings", a.baseURL), job, nil, func(req *http.Request) {
		setBearer(req, a.token)
	}, a.logger, a.maxAttempts, a.retryInterval)
}

func (a *HTTPRecorder) StopRecording(ctx context.Context, streamKey string) (RecordingResult, error) {
	var result RecordingResult
	err := postJSON(ctx, a.client, fmt.Sprintf("%s/v1/recordings/%s/stop", a.baseURL, streamKey), nil, &result, func(req *http.Request) {
		setBearer(req, a.token)
	}, a.logger, a.maxAttempts, a.retryInterval)
	if err != nil {
		return RecordingResult{}, err
	}
	return result, nil
}

// HTTPRestreamer drives a restreamer service over its management API.
type HTTPRestreamer struct {
	baseURL       string
	token         string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// NewHTTPRestreamer constructs a restreamer adapter for the service at baseURL.
func NewHTTPRestreamer(baseURL, token string, client *http.Client, logger *slog.Logger, attempts int, interval time.Duration) *HTTPRestreamer {
	if logger == nil {
		logger = slog.Default()
	}
	if attempts <= 0 {
		attempts = 1
	}
	return &HTTPRestreamer{
		baseURL:       strings.TrimRight(baseURL, "/"),
		token:         token,
		client:        client,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: interval,
	}
}

func (a *HTTPRestreamer) StartRestream(ctx context.Context, job RestreamJob) error {
	return postJSON(ctx, a.client, fmt.Sprintf("%s/v1/restreams", a.baseURL), job, nil, func(req *http.Request) {
		setBearer(req, a.token)
	}, a.logger, a.maxAttempts, a.retryInterval)
}

func (a *HTTPRestreamer) StopRestream(ctx context.Context, streamKey string) error {
	return deleteRequest(ctx, a.client, fmt.Sprintf("%s/v1/restreams/%s", a.baseURL, streamKey), func(req *http.Request) {
		setBearer(req, a.token)
	}, a.logger, a.maxAttempts, a.retryInterval)
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}, dest interface{}, mutate func(*http.Request), logger *slog.Logger, attempts int, interval time.Duration) error {
	if client == nil {
		client = &http.Client{}
	}
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = encoded
	}
	return doWithRetry(ctx, client, http.MethodPost, url, body, mutate, dest, logger, attempts, interval)
}

func deleteRequest(ctx context.Context, client *http.Client, url string, mutate func(*http.Request), logger *slog.Logger, attempts int, interval time.Duration) error {
	if client == nil {
		client = &http.Client{}
	}
	return doWithRetry(ctx, client, http.MethodDelete, url, nil, mutate, nil, logger, attempts, interval)
}

func doWithRetry(ctx context.Context, client *http.Client, method, url string, payload []byte, mutate func(*http.Request), dest interface{}, logger *slog.Logger, attempts int, interval time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	if interval < 0 {
		interval = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		reqBody := io.Reader(nil)
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
		if err != nil {
			return err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if mutate != nil {
			mutate(req)
		}
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					if dest == nil {
						lastErr = nil
						return
					}
					if decodeErr := json.NewDecoder(resp.Body).Decode(dest); decodeErr != nil {
						lastErr = decodeErr
					} else {
						lastErr = nil
					}
					return
				}
				data, _ := io.ReadAll(resp.Body)
				lastErr = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
			}()
		}
		if lastErr == nil {
			return nil
		}
		if attempt < attempts {
			logger.Warn("sidecar HTTP request failed", "method", method, "url", url, "attempt", attempt, "error", lastErr)
			if interval > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(interval):
				}
			} else {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			continue
		}
	}
	return lastErr
}

func setBearer(req *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}
