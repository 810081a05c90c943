package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streamgate/internal/session"
)

// engineHookRequest is the webhook body posted by the media engine. The
// engine forwards the raw publish/play URL in Stream; ClientID identifies the
// connection for stats polling and termination.
type engineHookRequest struct {
	Action   string `json:"action"`
	Stream   string `json:"stream"`
	ClientID string `json:"client_id,omitempty"`
	Param    string `json:"param,omitempty"`
}

type engineHookResponse struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

func normalizeHookAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	return strings.TrimPrefix(normalized, "on_")
}

func (h *Handler) hookAuthorized(r *http.Request) bool {
	token := strings.TrimSpace(h.HookToken)
	if token == "" || r == nil {
		return false
	}
	if provided := bearerToken(r); provided != "" && constantTimeEqual(token, provided) {
		return true
	}
	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		return constantTimeEqual(token, queryToken)
	}
	return false
}

// EngineHook receives lifecycle events from the media engine. A non-2xx
// response tells the engine to reject the publish or play attempt.
func (h *Handler) EngineHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.hookAuthorized(r) {
		h.logger().Warn("engine hook rejected token", "path", r.URL.Path, "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req engineHookRequest
	if r.Body != nil && r.Body != http.NoBody {
		// Unknown fields are tolerated: engines attach extra metadata.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}

	action := normalizeHookAction(req.Action)
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}

	_, credential := session.ParseStreamPath(req.Stream)
	ctx := r.Context()

	var err error
	switch action {
	case "pre_publish":
		err = h.Registry.HandlePublishRequested(ctx, credential, req.Stream)
	case "post_publish":
		err = h.Registry.HandlePublishStarted(ctx, credential, req.Stream, req.ClientID)
	case "done_publish":
		err = h.Registry.HandlePublishStopped(ctx, credential)
	case "pre_play":
		err = h.Registry.HandlePlayRequested(ctx, credential)
	case "post_play":
		err = h.Registry.HandlePlayStarted(ctx, credential, req.ClientID)
	case "done_play":
		err = h.Registry.HandlePlayStopped(ctx, credential, req.ClientID)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
		return
	}
	if err != nil {
		h.logger().Warn("engine hook rejected", "action", action, "error", err)
		writeError(w, hookErrorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, engineHookResponse{Status: "ok", Action: action})
}

func hookErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrCredentialRequired):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrAuthenticationFailed):
		return http.StatusForbidden
	case errors.Is(err, session.ErrQuotaExceeded), errors.Is(err, session.ErrViewingQuotaExceeded):
		return http.StatusForbidden
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
