package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
)

type eventRequest struct {
	SessionID string          `json:"sessionId"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func writeJSON(cfg *Config, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	securityHeaders(cfg, w)
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(cfg *Config, w http.ResponseWriter, status int, msg string) {
	writeJSON(cfg, w, status, map[string]string{"error": msg})
}

// serveSessionEvent is the session endpoint: it receives one client event,
// loads the session record (a miss yields a fresh default record, never an
// error), runs the state machine, persists the result, and fans the returned
// broadcasts out to the session's channel.
//
// Store failures are soft: the event proceeds against defaults or stale data
// and the outcome is logged, not surfaced. Broadcast failures are a 500.
// Nothing is retried server-side.
func serveSessionEvent(cfg *Config, store SessionStore, bc Broadcaster) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(cfg, w, http.StatusBadRequest, "Invalid payload: missing sessionId or event")

			return
		}

		if req.SessionID == "" || req.Event == "" {
			writeJSONError(cfg, w, http.StatusBadRequest, "Invalid payload: missing sessionId or event")

			return
		}

		sessionID := normalizeSessionID(req.SessionID)
		ctx := r.Context()

		session, err := store.Load(ctx, sessionID)
		if err != nil {
			logf(cfg, "STORE: load %s failed: %v", sessionID, err)
		}
		if session == nil {
			session = newSession()
		}

		broadcasts, err := session.apply(req.Event, req.Data)
		if err != nil {
			var ce clientError
			if errors.As(err, &ce) {
				writeJSONError(cfg, w, http.StatusBadRequest, err.Error())

				return
			}

			logf(cfg, "ERROR: %s on %s: %v", req.Event, sessionID, err)
			writeJSONError(cfg, w, http.StatusInternalServerError, "Failed to process")

			return
		}

		if err := store.Save(ctx, sessionID, session); err != nil {
			logf(cfg, "STORE: save %s failed: %v", sessionID, err)
		}

		for _, b := range broadcasts {
			if err := bc.Trigger(sessionID, b.Event, b.Data); err != nil {
				logf(cfg, "ERROR: trigger %s on %s: %v", b.Event, sessionID, err)
				writeJSONError(cfg, w, http.StatusInternalServerError, "Failed to process")

				return
			}
		}

		writeJSON(cfg, w, http.StatusOK, map[string]bool{"success": true})

		logf(cfg, "API: %s on %s from %s in %s",
			req.Event,
			sessionID,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveSessionState is the read-only snapshot fetch used by late joiners to
// hydrate their initial viewport. It never creates or mutates a record.
func serveSessionState(cfg *Config, store SessionStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		sessionID := r.URL.Query().Get("sessionId")
		if sessionID == "" {
			writeJSONError(cfg, w, http.StatusBadRequest, "Missing sessionId")

			return
		}

		sessionID = normalizeSessionID(sessionID)

		session, err := store.Load(r.Context(), sessionID)
		if err != nil {
			logf(cfg, "STORE: load %s failed: %v", sessionID, err)
		}
		if session == nil {
			writeJSONError(cfg, w, http.StatusNotFound, "Session not found")

			return
		}

		writeJSON(cfg, w, http.StatusOK, struct {
			SessionID string   `json:"sessionId"`
			Data      *Session `json:"data"`
		}{
			SessionID: sessionID,
			Data:      session,
		})
	}
}
