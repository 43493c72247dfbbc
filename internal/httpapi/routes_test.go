package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/spinparty/internal/hub"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(SetupRoutes(hub.NewHub(ctx), Options{}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.True(t, types.ValidCode(code), code)
	}
}

func TestCreateThenGetRoom(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Post(srv.URL+"/rooms", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created roomResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.True(t, types.ValidCode(created.Code))

	got, err := http.Get(srv.URL + "/rooms/" + created.Code)
	require.NoError(t, err)
	defer got.Body.Close()
	require.Equal(t, http.StatusOK, got.StatusCode)

	var room roomResponse
	require.NoError(t, json.NewDecoder(got.Body).Decode(&room))
	assert.Equal(t, created.Code, room.Code)
	assert.Equal(t, 0, room.Clients)
}

func TestGetRoom_Errors(t *testing.T) {
	srv := newServer(t)

	missing, err := http.Get(srv.URL + "/rooms/ZZZ999")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	bad, err := http.Get(srv.URL + "/rooms/lower")
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealthzAndMetrics(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// open a room so the gauge has a sample
	created, err := http.Post(srv.URL+"/rooms", "application/json", nil)
	require.NoError(t, err)
	created.Body.Close()

	m, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer m.Body.Close()
	body, err := io.ReadAll(m.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "spinparty_relay_rooms")
}
