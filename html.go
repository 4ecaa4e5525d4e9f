/*
Copyright © 2025 Seednode <seednode@seedno.de>
*/

package main

import (
	_ "embed"
	"net/http"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

//go:embed session/home.html
var homeHTML []byte

//go:embed session/index.html
var sessionHTML []byte

//go:embed session/app.css
var sessionCSS []byte

//go:embed session/app.js
var sessionJS []byte

//go:embed session/home.js
var homeJS []byte

func serveHomePage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write(homeHTML)
	}
}

// serveSessionPage serves the map client. Codes are matched
// case-insensitively, so off-case URLs redirect to the canonical spelling
// before the client boots.
func serveSessionPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		sessionID := ps.ByName("sessionid")

		normalized := normalizeSessionID(sessionID)
		if !validSessionID(normalized) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			securityHeaders(cfg, w)
			w.WriteHeader(http.StatusNotFound)

			_, _ = w.Write([]byte(newPage("Session Not Found", "Invalid session code. Click to start over.")))

			return
		}

		if normalized != sessionID {
			target := cfg.prefix + "/session/" + normalized
			if r.URL.RawQuery != "" {
				target += "?" + r.URL.RawQuery
			}
			http.Redirect(w, r, target, http.StatusTemporaryRedirect)

			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		_, _ = w.Write(sessionHTML)
	}
}

func serveSessionAsset(cfg *Config, data []byte, contentType string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(data)
	}
}

// redirectNewSession hands out a fresh session code and sends the visitor in
// as the tracker.
func redirectNewSession(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		sessionID := newSessionID()
		logf(cfg, "SESSION: Created %s", sessionID)
		http.Redirect(w, r, cfg.prefix+"/session/"+sessionID+"?role=tracker", http.StatusTemporaryRedirect)
	}
}

// qrHandler generates a PNG QR code for the tracked-role join URL of the
// current session, for pointing a phone at the tracker's screen.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	sessionID := ps.ByName("sessionid")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:sessionid/qr; strip trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path + "?role=tracked"

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerSessionApp sets up routes so that:
//   - /                          → home page (create or join a session)
//   - /session                   → redirects to a new random session as tracker
//   - /session/:sessionid        → HTML map client
//   - /session/:sessionid/ws     → broadcast channel subscription
//   - /session/:sessionid/qr     → PNG QR code joining that session as tracked
//   - /api/session               → session event endpoint
//   - /api/session/state         → read-only state query endpoint
func registerSessionApp(cfg *Config, store SessionStore, manager *SessionManager, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/", serveHomePage(cfg))

	mux.GET(cfg.prefix+"/session", redirectNewSession(cfg))

	mux.GET(cfg.prefix+"/session/:sessionid", serveSessionPage(cfg))

	// Shared assets (no session id in route)
	mux.GET(cfg.prefix+"/assets/session/app.css", serveSessionAsset(cfg, sessionCSS, "text/css; charset=utf-8"))
	mux.GET(cfg.prefix+"/assets/session/app.js", serveSessionAsset(cfg, sessionJS, "text/javascript; charset=utf-8"))
	mux.GET(cfg.prefix+"/assets/session/home.js", serveSessionAsset(cfg, homeJS, "text/javascript; charset=utf-8"))

	mux.GET(cfg.prefix+"/session/:sessionid/ws", serveWSForManager(cfg, manager))

	mux.GET(cfg.prefix+"/session/:sessionid/qr", qrHandler)

	mux.POST(cfg.prefix+"/api/session", serveSessionEvent(cfg, store, manager))

	mux.GET(cfg.prefix+"/api/session/state", serveSessionState(cfg, store))
}
