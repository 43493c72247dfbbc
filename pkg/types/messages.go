package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names carried on the party transport.
const (
	EventHello       = "hello"
	EventHere        = "here"
	EventBeat        = "beat"
	EventBye         = "bye"
	EventChat        = "chat"
	EventVote        = "vote"
	EventSpinResult  = "spin_result"
	EventSyncRequest = "sync_request"
)

// Events lists every event a session subscribes to.
var Events = []string{
	EventHello, EventHere, EventBeat, EventBye,
	EventChat, EventVote, EventSpinResult, EventSyncRequest,
}

// CodeLength is the length of a party room code.
const CodeLength = 6

var ErrMalformedPayload = errors.New("malformed payload")
var ErrCodeMismatch = errors.New("room code mismatch")
var ErrUnknownEvent = errors.New("unknown event")

// Message is the closed set of payloads a party peer can receive.
type Message interface {
	Event() string
	RoomCode() string
	isMessage()
}

// Client -> room
// hello / here:
//   code, clientId, nickname, creator
type Hello struct {
	Code     string `json:"code"`
	ClientID string `json:"clientId"`
	Nickname string `json:"nickname"`
	Creator  bool   `json:"creator"`
}

type Here struct {
	Code     string `json:"code"`
	ClientID string `json:"clientId"`
	Nickname string `json:"nickname"`
	Creator  bool   `json:"creator"`
}

type Beat struct {
	Code     string `json:"code"`
	ClientID string `json:"clientId"`
}

type Bye struct {
	Code     string `json:"code"`
	ClientID string `json:"clientId"`
}

// Chat:
//   id: unique per message, used for dedupe
//   ts: unix millis at the sender
type Chat struct {
	Code string `json:"code"`
	ID   string `json:"id"`
	TS   int64  `json:"ts"`
	From string `json:"from"`
	Text string `json:"text"`
}

// Vote:
//   idx: 0..2
//   kind: "keep" | "reroll"
type Vote struct {
	Code     string `json:"code"`
	Idx      int    `json:"idx"`
	Kind     string `json:"kind"`
	VoterID  string `json:"voterId"`
	ClientID string `json:"clientId"`
}

// SpinResult is the full authoritative board. Host and TS are informational.
type SpinResult struct {
	Code    string  `json:"code"`
	Slots   []*Dish `json:"slots"`
	Locks   []bool  `json:"locks"`
	Summary Summary `json:"summary"`
	Host    string  `json:"host,omitempty"`
	TS      int64   `json:"ts,omitempty"`
}

type SyncRequest struct {
	Code     string `json:"code"`
	ClientID string `json:"clientId"`
}

func (Hello) Event() string       { return EventHello }
func (Here) Event() string        { return EventHere }
func (Beat) Event() string        { return EventBeat }
func (Bye) Event() string         { return EventBye }
func (Chat) Event() string        { return EventChat }
func (Vote) Event() string        { return EventVote }
func (SpinResult) Event() string  { return EventSpinResult }
func (SyncRequest) Event() string { return EventSyncRequest }

func (m Hello) RoomCode() string       { return m.Code }
func (m Here) RoomCode() string        { return m.Code }
func (m Beat) RoomCode() string        { return m.Code }
func (m Bye) RoomCode() string         { return m.Code }
func (m Chat) RoomCode() string        { return m.Code }
func (m Vote) RoomCode() string        { return m.Code }
func (m SpinResult) RoomCode() string  { return m.Code }
func (m SyncRequest) RoomCode() string { return m.Code }

func (Hello) isMessage()       {}
func (Here) isMessage()        {}
func (Beat) isMessage()        {}
func (Bye) isMessage()         {}
func (Chat) isMessage()        {}
func (Vote) isMessage()        {}
func (SpinResult) isMessage()  {}
func (SyncRequest) isMessage() {}

// Envelope frames a payload on byte-stream transports (the websocket relay).
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Decode turns a raw payload for event into a validated Message.
// Payloads for another room yield ErrCodeMismatch.
func Decode(event string, raw []byte, code string) (Message, error) {
	var (
		msg Message
		err error
	)
	switch event {
	case EventHello:
		var m Hello
		err = unmarshal(raw, &m)
		if err == nil && m.ClientID == "" {
			err = missing("clientId")
		}
		msg = m
	case EventHere:
		var m Here
		err = unmarshal(raw, &m)
		if err == nil && m.ClientID == "" {
			err = missing("clientId")
		}
		msg = m
	case EventBeat:
		var m Beat
		err = unmarshal(raw, &m)
		if err == nil && m.ClientID == "" {
			err = missing("clientId")
		}
		msg = m
	case EventBye:
		var m Bye
		err = unmarshal(raw, &m)
		if err == nil && m.ClientID == "" {
			err = missing("clientId")
		}
		msg = m
	case EventChat:
		var m Chat
		err = unmarshal(raw, &m)
		if err == nil {
			switch {
			case m.ID == "":
				err = missing("id")
			case strings.TrimSpace(m.Text) == "":
				err = missing("text")
			}
		}
		msg = m
	case EventVote:
		msg, err = decodeVote(raw)
	case EventSpinResult:
		var m SpinResult
		err = unmarshal(raw, &m)
		if err == nil && (len(m.Slots) != SlotCount || len(m.Locks) != SlotCount) {
			err = fmt.Errorf("%w: want %d slots and locks, got %d/%d",
				ErrMalformedPayload, SlotCount, len(m.Slots), len(m.Locks))
		}
		msg = m
	case EventSyncRequest:
		var m SyncRequest
		err = unmarshal(raw, &m)
		if err == nil && m.ClientID == "" {
			err = missing("clientId")
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", event, err)
	}
	if msg.RoomCode() != code {
		return nil, fmt.Errorf("decode %s: %w: got %q", event, ErrCodeMismatch, msg.RoomCode())
	}
	return msg, nil
}

// PeekCode extracts the room code from any payload without full validation.
func PeekCode(raw []byte) (string, error) {
	var probe struct {
		Code string `json:"code"`
	}
	if err := unmarshal(raw, &probe); err != nil {
		return "", err
	}
	if probe.Code == "" {
		return "", missing("code")
	}
	return probe.Code, nil
}

// ValidCode reports whether code has the shape of a room code.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		if !(c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}

func decodeVote(raw []byte) (Message, error) {
	var w struct {
		Code     string `json:"code"`
		Idx      *int   `json:"idx"`
		Kind     string `json:"kind"`
		VoterID  string `json:"voterId"`
		ClientID string `json:"clientId"`
	}
	if err := unmarshal(raw, &w); err != nil {
		return nil, err
	}
	switch {
	case w.Idx == nil:
		return nil, missing("idx")
	case *w.Idx < 0 || *w.Idx >= SlotCount:
		return nil, fmt.Errorf("%w: idx %d out of range", ErrMalformedPayload, *w.Idx)
	case w.Kind != "keep" && w.Kind != "reroll":
		return nil, fmt.Errorf("%w: vote kind %q", ErrMalformedPayload, w.Kind)
	case w.VoterID == "":
		return nil, missing("voterId")
	}
	return Vote{Code: w.Code, Idx: *w.Idx, Kind: w.Kind, VoterID: w.VoterID, ClientID: w.ClientID}, nil
}

func unmarshal(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformedPayload, field)
}
