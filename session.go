// Geosync session protocol
//
// A session pairs at most one "tracker" with at most one "tracked" user,
// identified by a 6-character code. The tracker's map viewport is the
// authoritative state; it is persisted per session and fanned out to all
// subscribers as "map-sync" events.
//
// Events accepted from clients:
// - join-session: claim a role slot; idempotent for the same user, rejected
//   if another user already holds it
// - map-move: overwrite the current viewport and broadcast it
// - request-sync: re-broadcast the current viewport on demand
// - leave-session: vacate a role slot; a departing tracker notifies any
//   remaining tracked user
//
// Applying an event never touches the store or the wire directly; it returns
// the mutated record plus the broadcasts to emit, and the endpoint does the
// persisting and triggering.

package main

import (
	"crypto/rand"
	"encoding/json"
	"strings"
)

const (
	roleTracker = "tracker"
	roleTracked = "tracked"

	eventSessionJoined       = "session-joined"
	eventMapSync             = "map-sync"
	eventTrackerDisconnected = "tracker-disconnected"
)

// MapState is a map viewport.
type MapState struct {
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
	Zoom float64 `json:"zoom"`
}

// Session is the record persisted per session code. Role slots hold the
// occupying user's id, or nil when vacant.
type Session struct {
	Tracker         *string  `json:"tracker"`
	Tracked         *string  `json:"tracked"`
	CurrentMapState MapState `json:"currentMapState"`
}

func defaultMapState() MapState {
	return MapState{Lat: 40.7128, Lng: -74.006, Zoom: 13}
}

func newSession() *Session {
	return &Session{CurrentMapState: defaultMapState()}
}

// Broadcast is a named event to fan out to a session's subscribers.
type Broadcast struct {
	Event string
	Data  any
}

// clientError marks a failure caused by the caller's payload (missing or
// malformed fields, role conflicts, unknown events). The endpoint reports
// these as 400s; everything else is a 500.
type clientError string

func (e clientError) Error() string {
	return string(e)
}

type joinPayload struct {
	Role   string `json:"role"`
	UserID string `json:"userId"`
}

type movePayload struct {
	Lat  *float64 `json:"lat"`
	Lng  *float64 `json:"lng"`
	Zoom *float64 `json:"zoom"`
}

type leavePayload struct {
	Role string `json:"role"`
}

// apply runs one client event against the session record, mutating it in
// place and returning the broadcasts to emit. The caller persists the record
// afterwards regardless of whether anything changed, so the stored
// representation stays normalized.
func (s *Session) apply(event string, data json.RawMessage) ([]Broadcast, error) {
	switch event {
	case "join-session":
		return s.join(data)
	case "map-move":
		return s.move(data)
	case "request-sync":
		return []Broadcast{{Event: eventMapSync, Data: s.CurrentMapState}}, nil
	case "leave-session":
		return s.leave(data)
	}

	return nil, clientError("Unhandled event")
}

func (s *Session) join(data json.RawMessage) ([]Broadcast, error) {
	var p joinPayload
	if len(data) != 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, clientError("Invalid payload: missing role or userId in join-session")
		}
	}
	if p.Role == "" || p.UserID == "" {
		return nil, clientError("Invalid payload: missing role or userId in join-session")
	}

	var slot, other **string
	var conflict string

	switch p.Role {
	case roleTracker:
		slot, other = &s.Tracker, &s.Tracked
		conflict = "Session already has a tracker"
	case roleTracked:
		slot, other = &s.Tracked, &s.Tracker
		conflict = "Session already has a tracked user"
	default:
		return nil, clientError("Invalid payload: unknown role in join-session")
	}

	// A re-join by the current occupant is confirmed again so a reconnecting
	// client always hears back; a different user is turned away.
	if *slot != nil && **slot != p.UserID {
		return nil, clientError(conflict)
	}
	*slot = &p.UserID

	out := []Broadcast{{Event: eventSessionJoined, Data: map[string]string{"role": p.Role}}}
	if *other != nil {
		out = append(out, Broadcast{Event: eventMapSync, Data: s.CurrentMapState})
	}

	return out, nil
}

func (s *Session) move(data json.RawMessage) ([]Broadcast, error) {
	var p movePayload
	if len(data) != 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, clientError("Invalid map-move payload: expected { lat, lng, zoom }")
		}
	}
	if p.Lat == nil || p.Lng == nil || p.Zoom == nil {
		return nil, clientError("Invalid map-move payload: expected { lat, lng, zoom }")
	}

	// No bounds checking on coordinates or zoom; callers are trusted.
	s.CurrentMapState = MapState{Lat: *p.Lat, Lng: *p.Lng, Zoom: *p.Zoom}

	return []Broadcast{{Event: eventMapSync, Data: s.CurrentMapState}}, nil
}

func (s *Session) leave(data json.RawMessage) ([]Broadcast, error) {
	var p leavePayload
	if len(data) != 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, clientError("Invalid payload: missing role in leave-session")
		}
	}

	// Clearing is unconditional; there is no occupant check against a userId.
	switch p.Role {
	case roleTracker:
		s.Tracker = nil
		if s.Tracked != nil {
			return []Broadcast{{Event: eventTrackerDisconnected, Data: map[string]string{}}}, nil
		}
	case roleTracked:
		s.Tracked = nil
	}

	return nil, nil
}

// Session codes use a 32-symbol alphabet that drops the visually ambiguous
// 0/1/I/O, and are matched case-insensitively.
const (
	sessionIDAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	sessionIDLength   = 6
)

func newSessionID() string {
	const max = byte(255 - (256 % len(sessionIDAlphabet)))

	out := make([]byte, 0, sessionIDLength)
	buf := make([]byte, sessionIDLength*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, sessionIDAlphabet[int(b)%len(sessionIDAlphabet)])
				if len(out) == sessionIDLength {
					return string(out)
				}
			}
		}
	}
}

// normalizeSessionID uppercases a session code at the system boundary so the
// store and broadcast channels see one canonical spelling.
func normalizeSessionID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// validSessionID accepts any normalized 6-character alphanumeric code, a
// superset of what newSessionID generates, so hand-typed codes from older
// clients still resolve.
func validSessionID(id string) bool {
	if len(id) != sessionIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
