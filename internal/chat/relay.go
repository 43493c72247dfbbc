// Package chat relays party chat messages with id-based dedupe.
package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/DoyleJ11/spinparty/pkg/types"
)

const MaxTextRunes = 2000

var ErrEmptyMessage = errors.New("chat message is empty")
var ErrMessageTooLong = errors.New("chat message too long")

// Relay accumulates messages for the session lifetime in local arrival
// order. There is no cross-peer ordering.
type Relay struct {
	mu      sync.Mutex
	code    string
	seen    map[string]struct{}
	history []types.Chat
	now     func() time.Time
	newID   func() string
}

func NewRelay(code string) *Relay {
	return &Relay{
		code:  code,
		seen:  make(map[string]struct{}),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Send builds an outbound message and appends it locally before it is emitted.
func (r *Relay) Send(from, text string) (types.Chat, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return types.Chat{}, ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > MaxTextRunes {
		return types.Chat{}, fmt.Errorf("%w: %d runes", ErrMessageTooLong, n)
	}

	msg := types.Chat{
		Code: r.code,
		ID:   r.newID(),
		TS:   r.now().UnixMilli(),
		From: from,
		Text: text,
	}
	r.Receive(msg)
	return msg, nil
}

// Receive appends msg unless its id was already seen.
func (r *Relay) Receive(msg types.Chat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[msg.ID]; ok {
		return false
	}
	r.seen[msg.ID] = struct{}{}
	r.history = append(r.history, msg)
	return true
}

func (r *Relay) History() []types.Chat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Chat(nil), r.history...)
}
