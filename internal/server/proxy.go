package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/grannygear/workshop/internal/errors"
	"github.com/grannygear/workshop/internal/logging"
)

// proxyBodyLimit caps forwarded payloads; intake forms are small.
const proxyBodyLimit = 1 << 20

// handleProxy forwards an action envelope to the Apps Script backend and
// returns its response verbatim. The PWA uses this instead of calling
// Apps Script directly because Apps Script will not answer browser CORS
// preflights.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, proxyBodyLimit))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "failed to read request body")
		return
	}

	// Reject non-JSON before bothering the backend
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "body must be valid JSON")
		return
	}

	if s.cfg.Remote.ScriptURL == "" {
		writeError(w, http.StatusBadGateway, string(apperrors.ErrProxyFailed), "no backend configured")
		return
	}

	// Apps Script requires text/plain to skip its own preflight handling
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.Remote.ScriptURL, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(apperrors.ErrProxyFailed), err.Error())
		return
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := s.forwarder.Do(req)
	if err != nil {
		logging.Warn("proxy forward failed", map[string]interface{}{"error": err.Error()})
		writeError(w, http.StatusBadGateway, string(apperrors.ErrProxyFailed), err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		writeError(w, http.StatusBadGateway, string(apperrors.ErrProxyFailed),
			fmt.Sprintf("Apps Script returned %d", resp.StatusCode))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Warn("proxy response copy failed", map[string]interface{}{"error": err.Error()})
	}
}
