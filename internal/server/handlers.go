// Package server exposes the HTTP surface: the media-engine webhook, quota
// and session introspection, account administration, health and metrics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"streamgate/internal/models"
	"streamgate/internal/session"
	"streamgate/internal/storage"
)

// SessionGateway is the slice of the session registry the HTTP surface
// drives.
type SessionGateway interface {
	HandlePublishRequested(ctx context.Context, credential, path string) error
	HandlePublishStarted(ctx context.Context, credential, path, handleID string) error
	HandlePublishStopped(ctx context.Context, credential string) error
	HandlePlayRequested(ctx context.Context, credential string) error
	HandlePlayStarted(ctx context.Context, credential, viewerID string) error
	HandlePlayStopped(ctx context.Context, credential, viewerID string) error
	Active() []session.Info
}

// QuotaReader resolves formatted quota snapshots for the status endpoint.
type QuotaReader interface {
	Snapshot(ctx context.Context, accountID string) (models.QuotaSnapshot, error)
}

type Handler struct {
	Registry   SessionGateway
	Quota      QuotaReader
	Store      storage.Repository
	HookToken  string
	AdminToken string
	Logger     *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.New("request body is required")
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func constantTimeEqual(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	if len(expected) != len(provided) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func bearerToken(r *http.Request) string {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if h.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.Store.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			h.logger().Warn("health check store ping failed", "error", err)
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// Sessions lists the registry's live entries.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	sessions := h.Registry.Active()
	if sessions == nil {
		sessions = []session.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

// QuotaByAccount serves GET /api/quota/{accountID}.
func (h *Handler) QuotaByAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	accountID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/quota/"), "/")
	if accountID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("account id is required"))
		return
	}
	snapshot, err := h.Quota.Snapshot(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("quota for account %s not found", accountID))
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type createAccountRequest struct {
	Username       string  `json:"username"`
	Email          string  `json:"email"`
	Plan           string  `json:"plan"`
	RecordingLimit *string `json:"recordingLimit"`
	StreamingLimit *string `json:"streamingLimit"`
	ViewingLimit   *string `json:"viewingLimit"`
}

type createAccountResponse struct {
	Account   models.Account `json:"account"`
	StreamKey string         `json:"streamKey"`
}

// Accounts handles POST (create) and GET (list) on /api/accounts.
func (h *Handler) Accounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		accounts, err := h.Store.ListAccounts(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if accounts == nil {
			accounts = []models.Account{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
	case http.MethodPost:
		var req createAccountRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		params := storage.CreateAccountParams{
			Username: req.Username,
			Email:    req.Email,
			Plan:     req.Plan,
		}
		var err error
		if params.RecordingLimit, err = parseLimit(req.RecordingLimit); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("recordingLimit: %w", err))
			return
		}
		if params.StreamingLimit, err = parseLimit(req.StreamingLimit); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("streamingLimit: %w", err))
			return
		}
		if req.ViewingLimit != nil {
			viewing, err := parseLimit(req.ViewingLimit)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("viewingLimit: %w", err))
				return
			}
			params.ViewingLimit = &viewing
		}
		account, streamKey, err := h.Store.CreateAccount(r.Context(), params)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, storage.ErrDuplicateUsername) {
				status = http.StatusConflict
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusCreated, createAccountResponse{Account: account, StreamKey: streamKey})
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func parseLimit(raw *string) (models.ByteCount, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return 0, nil
	}
	var count models.ByteCount
	if err := count.UnmarshalJSON([]byte(`"` + strings.TrimSpace(*raw) + `"`)); err != nil {
		return 0, err
	}
	return count, nil
}

type updateLimitsRequest struct {
	RecordingLimit *string `json:"recordingLimit"`
	StreamingLimit *string `json:"streamingLimit"`
	ViewingLimit   *string `json:"viewingLimit"`
}

// AccountByID routes /api/accounts/{id}/... subresources.
func (h *Handler) AccountByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/accounts/"), "/")
	if rest == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("account id is required"))
		return
	}
	parts := strings.SplitN(rest, "/", 2)
	accountID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		account, ok, err := h.Store.GetAccount(r.Context(), accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, storage.ErrAccountNotFound)
			return
		}
		writeJSON(w, http.StatusOK, account)
	case "rotate-key":
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		streamKey, err := h.Store.RotateStreamKey(r.Context(), accountID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, storage.ErrAccountNotFound) {
				status = http.StatusNotFound
			}
			writeError(w, status, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"streamKey": streamKey})
	case "limits":
		if r.Method != http.MethodPatch {
			w.Header().Set("Allow", "PATCH")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		var req updateLimitsRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		limits := storage.QuotaLimits{}
		if req.RecordingLimit != nil {
			value, err := parseLimit(req.RecordingLimit)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("recordingLimit: %w", err))
				return
			}
			limits.Recording = &value
		}
		if req.StreamingLimit != nil {
			value, err := parseLimit(req.StreamingLimit)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("streamingLimit: %w", err))
				return
			}
			limits.Streaming = &value
		}
		if req.ViewingLimit != nil {
			value, err := parseLimit(req.ViewingLimit)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("viewingLimit: %w", err))
				return
			}
			limits.Viewing = &value
		}
		state, err := h.Store.UpdateQuotaLimits(r.Context(), accountID, limits)
		if err != nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("quota for account %s not found", accountID))
			return
		}
		writeJSON(w, http.StatusOK, models.NewQuotaSnapshot(state))
	case "records":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		records, err := h.Store.ListSessionRecords(r.Context(), accountID, 100)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if records == nil {
			records = []models.SessionRecord{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
	case "recordings":
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
			return
		}
		recordings, err := h.Store.ListRecordings(r.Context(), accountID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if recordings == nil {
			recordings = []models.Recording{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"recordings": recordings})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown account action %s", action))
	}
}
