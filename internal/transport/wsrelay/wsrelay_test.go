package wsrelay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/spinparty/internal/httpapi"
	"github.com/DoyleJ11/spinparty/internal/hub"
	"github.com/DoyleJ11/spinparty/internal/session"
	"github.com/DoyleJ11/spinparty/internal/spin"
	"github.com/DoyleJ11/spinparty/internal/transport"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

func relay(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := hub.NewHub(ctx)
	srv := httptest.NewServer(httpapi.SetupRoutes(h, httpapi.Options{}))
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func subscribers(h *hub.Hub, code string) int {
	lb := h.Get(context.Background(), code)
	if lb == nil {
		return 0
	}
	v, err := lb.State(context.Background())
	if err != nil {
		return 0
	}
	return v.NumClients
}

func TestTransport_EmitReachesPeersInRoom(t *testing.T) {
	h, endpoint := relay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	a, err := Dial(ctx, endpoint, "WSTEST", "a", nil)
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, endpoint, "WSTEST", "b", nil)
	require.NoError(t, err)
	defer b.Close()
	require.Eventually(t, func() bool { return subscribers(h, "WSTEST") == 2 }, 2*time.Second, 10*time.Millisecond)

	got := make(chan json.RawMessage, 1)
	self := make(chan json.RawMessage, 1)
	b.On(types.EventBeat, func(raw json.RawMessage) { got <- raw })
	a.On(types.EventBeat, func(raw json.RawMessage) { self <- raw })

	require.NoError(t, a.Emit(ctx, types.EventBeat, types.Beat{Code: "WSTEST", ClientID: "a"}))

	select {
	case raw := <-got:
		assert.JSONEq(t, `{"code":"WSTEST","clientId":"a"}`, string(raw))
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
	select {
	case <-self:
		t.Fatal("relay echoed to the sender")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	h, endpoint := relay(t)
	ctx := context.Background()

	a, err := Dial(ctx, endpoint, "WSTEST", "a", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return subscribers(h, "WSTEST") == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.ErrorIs(t, a.Emit(ctx, types.EventBeat, types.Beat{Code: "WSTEST", ClientID: "a"}), transport.ErrClosed)

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop still running")
	}
	require.Eventually(t, func() bool { return subscribers(h, "WSTEST") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDial_BadEndpoint(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, "ws://127.0.0.1:1/ws", "WSTEST", "", nil)
	assert.Error(t, err)
}

type fixedSelector struct{}

func (fixedSelector) Select(ctx context.Context, req spin.Request) (spin.Selection, error) {
	var sel spin.Selection
	for i := range sel.Slots {
		if !req.Locks[i] {
			sel.Slots[i] = &types.Dish{ID: req.Categories[i] + "-1", Name: req.Categories[i]}
		}
	}
	sel.Summary = types.Summary{Headline: "over the relay"}
	return sel, nil
}

func TestSessions_SyncOverRelay(t *testing.T) {
	_, endpoint := relay(t)
	ctx := context.Background()

	join := func(id string, creator bool) *session.Session {
		s, err := session.New(session.Config{Code: "RELAY1", ClientID: id, Nickname: id, Creator: creator, Heartbeat: time.Hour},
			session.Deps{Dial: Dialer(endpoint, id, nil), Selector: fixedSelector{}})
		require.NoError(t, err)
		require.NoError(t, s.Join(ctx))
		t.Cleanup(func() { _ = s.Leave(context.Background()) })
		return s
	}

	host := join("host", true)
	require.NoError(t, host.Spin(ctx, [types.SlotCount]string{"main", "side", "dessert"}))

	guest := join("guest", false)
	var view session.View
	require.Eventually(t, func() bool {
		v, err := guest.View(ctx)
		view = v
		return err == nil && v.Synced
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, Kind, view.TransportKind)
	assert.Equal(t, "host", view.Host)
	require.NotNil(t, view.Board.Slots[2].Dish)
	assert.Equal(t, "dessert-1", view.Board.Slots[2].Dish.ID)
}
