package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/spinparty/internal/hub"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

func TestCheck(t *testing.T) {
	cases := []struct {
		name      string
		frame     string
		wantEvent string
		wantErr   error
	}{
		{name: "valid", frame: `{"event":"beat","payload":{"code":"ABC123","clientId":"a"}}`, wantEvent: "beat"},
		{name: "other room", frame: `{"event":"beat","payload":{"code":"ZZZ999","clientId":"a"}}`, wantEvent: "beat", wantErr: types.ErrCodeMismatch},
		{name: "unknown event", frame: `{"event":"nuke","payload":{"code":"ABC123"}}`, wantEvent: "unknown", wantErr: errUnknownEvent},
		{name: "no code", frame: `{"event":"chat","payload":{"text":"hi"}}`, wantEvent: "chat", wantErr: types.ErrMalformedPayload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			event, err := check([]byte(tc.frame), "ABC123")
			assert.Equal(t, tc.wantEvent, event)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}

	event, err := check([]byte(`not json`), "ABC123")
	assert.Equal(t, "invalid", event)
	assert.Error(t, err)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestHandler_RelaysToOthersOnly(t *testing.T) {
	h := hub.NewHub(context.Background())
	srv := httptest.NewServer(Handler(h, Options{}))
	defer srv.Close()

	a := dial(t, srv, "code=ABC123&client=a")
	b := dial(t, srv, "code=ABC123&client=b")
	other := dial(t, srv, "code=ZZZ999&client=c")

	// both subscribed before publishing
	require.Eventually(t, func() bool {
		lb := h.Get(context.Background(), "ABC123")
		if lb == nil {
			return false
		}
		v, err := lb.State(context.Background())
		return err == nil && v.NumClients == 2
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	foreign := `{"event":"chat","payload":{"code":"ZZZ999","id":"x","text":"wrong room"}}`
	valid := `{"event":"chat","payload":{"code":"ABC123","id":"m1","text":"hi"}}`
	require.NoError(t, a.Write(ctx, websocket.MessageText, []byte(foreign)))
	require.NoError(t, a.Write(ctx, websocket.MessageText, []byte(valid)))

	_, data, err := b.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, valid, string(data), "foreign frame is rejected, valid one relayed as-is")

	short, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	_, _, err = other.Read(short)
	assert.Error(t, err, "other rooms receive nothing")
}

func TestHandler_RejectsBadCode(t *testing.T) {
	h := hub.NewHub(context.Background())
	srv := httptest.NewServer(Handler(h, Options{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws?code=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
