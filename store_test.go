package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(userID string) *Session {
	s := newSession()
	s.Tracker = &userID
	s.CurrentMapState = MapState{Lat: 1.5, Lng: -2.5, Zoom: 9}
	return s
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	missing, err := store.Load(ctx, "ABC234")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Save(ctx, "ABC234", testSession("A")))

	loaded, err := store.Load(ctx, "ABC234")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "A", *loaded.Tracker)
	assert.Equal(t, MapState{Lat: 1.5, Lng: -2.5, Zoom: 9}, loaded.CurrentMapState)
}

func TestMemoryStoreCopiesRecords(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "ABC234", testSession("A")))

	first, err := store.Load(ctx, "ABC234")
	require.NoError(t, err)

	// Mutating a loaded record must not leak into the store.
	first.CurrentMapState.Lat = 99

	second, err := store.Load(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, 1.5, second.CurrentMapState.Lat)
}

func TestRestStoreRoundTrip(t *testing.T) {
	values := make(map[string]string)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		switch r.Method {
		case http.MethodGet:
			key := filepath.Base(r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{"result": values[key]})
		case http.MethodPost:
			key := filepath.Base(r.URL.Path)
			var body struct {
				Value string `json:"value"`
			}
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			values[key] = body.Value
			_ = json.NewEncoder(w).Encode(map[string]any{"result": "OK"})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	store := newRestStore(srv.URL, "sekrit", 5*time.Second)
	ctx := context.Background()

	missing, err := store.Load(ctx, "ABC234")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Save(ctx, "ABC234", testSession("A")))

	// The record is stored as a JSON string under the session code.
	var stored Session
	require.NoError(t, json.Unmarshal([]byte(values["ABC234"]), &stored))
	assert.Equal(t, "A", *stored.Tracker)

	loaded, err := store.Load(ctx, "ABC234")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "A", *loaded.Tracker)
	assert.Equal(t, MapState{Lat: 1.5, Lng: -2.5, Zoom: 9}, loaded.CurrentMapState)
}

func TestRestStoreSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := newRestStore(srv.URL, "sekrit", 5*time.Second)
	ctx := context.Background()

	_, err := store.Load(ctx, "ABC234")
	assert.Error(t, err)

	assert.Error(t, store.Save(ctx, "ABC234", testSession("A")))
}

func TestSqliteStoreRoundTrip(t *testing.T) {
	store, err := newSqliteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()

	missing, err := store.Load(ctx, "ABC234")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Save(ctx, "ABC234", testSession("A")))

	// Saving again overwrites in place.
	updated := testSession("A")
	updated.CurrentMapState = MapState{Lat: 10, Lng: 20, Zoom: 5}
	require.NoError(t, store.Save(ctx, "ABC234", updated))

	loaded, err := store.Load(ctx, "ABC234")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "A", *loaded.Tracker)
	assert.Equal(t, MapState{Lat: 10, Lng: 20, Zoom: 5}, loaded.CurrentMapState)
}

func TestNewSessionStoreValidatesBackend(t *testing.T) {
	_, err := newSessionStore(&Config{store: "etcd"})
	assert.Error(t, err)

	store, err := newSessionStore(&Config{store: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &memoryStore{}, store)
}
