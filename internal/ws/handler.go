// Package ws is the relay's socket endpoint. Each connection subscribes to
// one lobby; every envelope it sends is checked and fanned out to the rest.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/hub"
	"github.com/DoyleJ11/spinparty/internal/lobby"
	"github.com/DoyleJ11/spinparty/internal/metrics"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

const (
	outboxSize   = 64
	writeTimeout = 3 * time.Second
	// Peers beat every 15s; three missed beats and the socket is dead.
	readTimeout  = 45 * time.Second
	maxFrameSize = 64 << 10
)

type Options struct {
	// OriginPatterns is passed to websocket.Accept. Empty means same-origin only.
	OriginPatterns []string
	Logger         *zap.Logger
}

func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if !types.ValidCode(code) {
			http.Error(w, "missing or invalid code", http.StatusBadRequest)
			return
		}
		clientID := r.URL.Query().Get("client")
		if clientID == "" {
			clientID = uuid.NewString()
		}

		lb := h.Ensure(r.Context(), code)
		if lb == nil {
			http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			log.Debug("accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		conn.SetReadLimit(maxFrameSize)

		log := log.With(zap.String("code", code), zap.String("client", clientID))

		out := make(chan lobby.Frame, outboxSize)
		if err := lb.Send(r.Context(), lobby.Join{ClientID: clientID, Outbox: out}); err != nil {
			conn.Close(websocket.StatusTryAgainLater, "room closed")
			return
		}
		defer func() { _ = lb.Send(context.Background(), lobby.Leave{ClientID: clientID, Outbox: out}) }()

		metrics.RelayConnections.Inc()
		defer metrics.RelayConnections.Dec()
		log.Debug("socket subscribed")

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for f := range out {
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, f.Data)
				cancel()
				if err != nil {
					log.Debug("write failed", zap.Error(err))
					conn.CloseNow()
					return
				}
			}
			// The lobby closed our outbox: dropped as slow or room shut down.
			conn.Close(websocket.StatusTryAgainLater, "unsubscribed")
		}()

		// Reader loop
		for {
			ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
			_, data, err := conn.Read(ctx)
			cancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("read ended", zap.Error(err))
				}
				return
			}

			event, err := check(data, code)
			if err != nil {
				metrics.RelayFrames.WithLabelValues(event, "rejected").Inc()
				log.Debug("rejecting frame", zap.String("event", event), zap.Error(err))
				continue
			}

			f := lobby.Frame{From: clientID, Event: event, Data: data}
			if err := lb.Send(r.Context(), lobby.Publish{Frame: f}); err != nil {
				return
			}
			metrics.RelayFrames.WithLabelValues(event, "relayed").Inc()
		}
	}
}

var errUnknownEvent = errors.New("unknown event")

// check validates only what the relay needs: a known event and a payload
// addressed to this room. Peers do full validation on receipt.
func check(data []byte, code string) (string, error) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "invalid", err
	}
	if !slices.Contains(types.Events, env.Event) {
		return "unknown", errUnknownEvent
	}
	got, err := types.PeekCode(env.Payload)
	if err != nil {
		return env.Event, err
	}
	if got != code {
		return env.Event, types.ErrCodeMismatch
	}
	return env.Event, nil
}
