package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestJoinClaimsVacantRole(t *testing.T) {
	s := newSession()

	out, err := s.apply("join-session", raw(`{"role":"tracker","userId":"A"}`))
	require.NoError(t, err)

	require.NotNil(t, s.Tracker)
	assert.Equal(t, "A", *s.Tracker)
	assert.Nil(t, s.Tracked)

	require.Len(t, out, 1)
	assert.Equal(t, eventSessionJoined, out[0].Event)
	assert.Equal(t, map[string]string{"role": "tracker"}, out[0].Data)
}

func TestJoinIsIdempotentForSameUser(t *testing.T) {
	s := newSession()

	_, err := s.apply("join-session", raw(`{"role":"tracked","userId":"B"}`))
	require.NoError(t, err)

	// A re-join by the same user must not error and must re-emit the
	// confirmation so a reconnecting client hears back.
	out, err := s.apply("join-session", raw(`{"role":"tracked","userId":"B"}`))
	require.NoError(t, err)

	require.NotNil(t, s.Tracked)
	assert.Equal(t, "B", *s.Tracked)

	require.Len(t, out, 1)
	assert.Equal(t, eventSessionJoined, out[0].Event)
}

func TestJoinRejectsOccupiedRole(t *testing.T) {
	s := newSession()

	_, err := s.apply("join-session", raw(`{"role":"tracker","userId":"A"}`))
	require.NoError(t, err)

	_, err = s.apply("join-session", raw(`{"role":"tracker","userId":"B"}`))
	require.Error(t, err)
	assert.ErrorAs(t, err, new(clientError))
	assert.Contains(t, err.Error(), "already has a tracker")

	// The earlier claim survives.
	require.NotNil(t, s.Tracker)
	assert.Equal(t, "A", *s.Tracker)
}

func TestJoinSyncsWhenOtherRoleFilled(t *testing.T) {
	s := newSession()
	s.CurrentMapState = MapState{Lat: 10, Lng: 20, Zoom: 5}

	_, err := s.apply("join-session", raw(`{"role":"tracked","userId":"B"}`))
	require.NoError(t, err)

	out, err := s.apply("join-session", raw(`{"role":"tracker","userId":"T"}`))
	require.NoError(t, err)

	require.Len(t, out, 2)
	assert.Equal(t, eventSessionJoined, out[0].Event)
	assert.Equal(t, eventMapSync, out[1].Event)
	assert.Equal(t, MapState{Lat: 10, Lng: 20, Zoom: 5}, out[1].Data)
}

func TestJoinValidation(t *testing.T) {
	for name, payload := range map[string]json.RawMessage{
		"nil data":     nil,
		"empty object": raw(`{}`),
		"missing role": raw(`{"userId":"A"}`),
		"missing user": raw(`{"role":"tracker"}`),
		"unknown role": raw(`{"role":"moderator","userId":"A"}`),
		"non-object":   raw(`"tracker"`),
	} {
		t.Run(name, func(t *testing.T) {
			s := newSession()

			_, err := s.apply("join-session", payload)
			require.Error(t, err)
			assert.ErrorAs(t, err, new(clientError))

			assert.Nil(t, s.Tracker)
			assert.Nil(t, s.Tracked)
		})
	}
}

func TestMapMoveOverwritesState(t *testing.T) {
	s := newSession()

	out, err := s.apply("map-move", raw(`{"lat":1.5,"lng":-2.5,"zoom":9}`))
	require.NoError(t, err)

	assert.Equal(t, MapState{Lat: 1.5, Lng: -2.5, Zoom: 9}, s.CurrentMapState)

	require.Len(t, out, 1)
	assert.Equal(t, eventMapSync, out[0].Event)
	assert.Equal(t, MapState{Lat: 1.5, Lng: -2.5, Zoom: 9}, out[0].Data)
}

func TestMapMoveRejectsMalformedPayloads(t *testing.T) {
	for name, payload := range map[string]json.RawMessage{
		"nil data":      nil,
		"empty object":  raw(`{}`),
		"string lat":    raw(`{"lat":"1.5","lng":-2.5,"zoom":9}`),
		"missing zoom":  raw(`{"lat":1.5,"lng":-2.5}`),
		"null lng":      raw(`{"lat":1.5,"lng":null,"zoom":9}`),
		"boolean field": raw(`{"lat":true,"lng":-2.5,"zoom":9}`),
	} {
		t.Run(name, func(t *testing.T) {
			s := newSession()

			_, err := s.apply("map-move", payload)
			require.Error(t, err)
			assert.ErrorAs(t, err, new(clientError))

			// Stored state is untouched.
			assert.Equal(t, defaultMapState(), s.CurrentMapState)
		})
	}
}

func TestRequestSyncEmitsCurrentState(t *testing.T) {
	s := newSession()
	s.CurrentMapState = MapState{Lat: 3, Lng: 4, Zoom: 7}

	out, err := s.apply("request-sync", nil)
	require.NoError(t, err)

	require.Len(t, out, 1)
	assert.Equal(t, eventMapSync, out[0].Event)
	assert.Equal(t, MapState{Lat: 3, Lng: 4, Zoom: 7}, out[0].Data)
}

func TestLeaveCascade(t *testing.T) {
	s := newSession()

	_, err := s.apply("join-session", raw(`{"role":"tracker","userId":"A"}`))
	require.NoError(t, err)
	_, err = s.apply("join-session", raw(`{"role":"tracked","userId":"B"}`))
	require.NoError(t, err)

	// Tracker leaving while a tracked user remains notifies them.
	out, err := s.apply("leave-session", raw(`{"role":"tracker"}`))
	require.NoError(t, err)
	assert.Nil(t, s.Tracker)
	require.Len(t, out, 1)
	assert.Equal(t, eventTrackerDisconnected, out[0].Event)

	// The tracked user leaving afterwards emits nothing special.
	out, err = s.apply("leave-session", raw(`{"role":"tracked"}`))
	require.NoError(t, err)
	assert.Nil(t, s.Tracked)
	assert.Empty(t, out)
}

func TestLeaveTrackerAloneEmitsNothing(t *testing.T) {
	s := newSession()

	_, err := s.apply("join-session", raw(`{"role":"tracker","userId":"A"}`))
	require.NoError(t, err)

	out, err := s.apply("leave-session", raw(`{"role":"tracker"}`))
	require.NoError(t, err)
	assert.Nil(t, s.Tracker)
	assert.Empty(t, out)
}

func TestLeaveIgnoresUnknownRole(t *testing.T) {
	s := newSession()

	_, err := s.apply("join-session", raw(`{"role":"tracker","userId":"A"}`))
	require.NoError(t, err)

	out, err := s.apply("leave-session", raw(`{"role":"moderator"}`))
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NotNil(t, s.Tracker)
	assert.Equal(t, "A", *s.Tracker)
}

func TestUnhandledEvent(t *testing.T) {
	s := newSession()

	_, err := s.apply("self-destruct", nil)
	require.Error(t, err)
	assert.ErrorAs(t, err, new(clientError))
	assert.Equal(t, "Unhandled event", err.Error())
}

func TestRoleExclusivity(t *testing.T) {
	s := newSession()

	events := []struct {
		event string
		data  string
	}{
		{"join-session", `{"role":"tracker","userId":"A"}`},
		{"join-session", `{"role":"tracked","userId":"B"}`},
		{"join-session", `{"role":"tracker","userId":"C"}`},
		{"map-move", `{"lat":1,"lng":2,"zoom":3}`},
		{"join-session", `{"role":"tracked","userId":"B"}`},
		{"leave-session", `{"role":"tracker"}`},
		{"join-session", `{"role":"tracker","userId":"C"}`},
	}

	// However the sequence plays out, each role only ever holds one user.
	for _, ev := range events {
		_, _ = s.apply(ev.event, raw(ev.data))

		if s.Tracker != nil {
			assert.Contains(t, []string{"A", "C"}, *s.Tracker)
		}
		if s.Tracked != nil {
			assert.Equal(t, "B", *s.Tracked)
		}
	}
}

func TestSessionRecordJSON(t *testing.T) {
	s := newSession()

	// Vacant roles serialize as null, matching the persisted record shape.
	blob, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tracker":null,"tracked":null,"currentMapState":{"lat":40.7128,"lng":-74.006,"zoom":13}}`, string(blob))

	// And null roles load back as vacant.
	loaded := &Session{}
	require.NoError(t, json.Unmarshal(blob, loaded))
	assert.Nil(t, loaded.Tracker)
	assert.Nil(t, loaded.Tracked)
	assert.Equal(t, defaultMapState(), loaded.CurrentMapState)
}

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		id := newSessionID()

		require.Len(t, id, sessionIDLength)
		for _, c := range id {
			assert.Contains(t, sessionIDAlphabet, string(c))
		}

		// The ambiguous characters are excluded by construction.
		assert.NotContains(t, id, "0")
		assert.NotContains(t, id, "1")
		assert.NotContains(t, id, "I")
		assert.NotContains(t, id, "O")

		seen[id] = true
	}

	// 32^6 codes; 1000 draws colliding would be suspect.
	assert.Greater(t, len(seen), 990)
}

func TestNormalizeSessionID(t *testing.T) {
	assert.Equal(t, "ABC234", normalizeSessionID("abc234"))
	assert.Equal(t, "ABC234", normalizeSessionID("  ABC234 "))
	assert.Equal(t, strings.ToUpper("xYz789"), normalizeSessionID("xYz789"))
}

func TestValidSessionID(t *testing.T) {
	assert.True(t, validSessionID("ABC234"))
	assert.True(t, validSessionID("ABCDEF"))
	assert.False(t, validSessionID("abc234"))
	assert.False(t, validSessionID("ABC23"))
	assert.False(t, validSessionID("ABC2345"))
	assert.False(t, validSessionID("ABC-23"))
	assert.False(t, validSessionID(""))
}
