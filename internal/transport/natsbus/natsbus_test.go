package natsbus

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "spinparty.ABC123.vote", Subject("ABC123", "vote"))
	assert.Equal(t, "spinparty.ABC123.*", roomSubjects("ABC123"))
}

func TestEventOf(t *testing.T) {
	cases := []struct {
		subject string
		want    string
	}{
		{subject: "spinparty.ABC123.spin_result", want: "spin_result"},
		{subject: "spinparty.ZZZ999.spin_result", want: ""},
		{subject: "other.ABC123.vote", want: ""},
		{subject: "spinparty.ABC123", want: ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, eventOf(tc.subject, "ABC123"), tc.subject)
	}
}

func TestDialer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dialer("nats://127.0.0.1:1", nil)(ctx, "ABC123")
	assert.ErrorIs(t, err, context.Canceled)
}

// Runs against a live server when SPINPARTY_TEST_NATS_URL is set.
func TestTransport_RoundTrip(t *testing.T) {
	url := os.Getenv("SPINPARTY_TEST_NATS_URL")
	if url == "" {
		t.Skip("SPINPARTY_TEST_NATS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dial := Dialer(url, nil)
	a, err := dial(ctx, "NATS01")
	require.NoError(t, err)
	defer a.Close()
	b, err := dial(ctx, "NATS01")
	require.NoError(t, err)
	defer b.Close()

	got := make(chan json.RawMessage, 4)
	echo := make(chan json.RawMessage, 4)
	b.On("chat", func(raw json.RawMessage) { got <- raw })
	a.On("chat", func(raw json.RawMessage) { echo <- raw })

	require.NoError(t, a.Emit(ctx, "chat", map[string]string{"text": "hi"}))

	select {
	case raw := <-got:
		assert.JSONEq(t, `{"text":"hi"}`, string(raw))
	case <-ctx.Done():
		t.Fatal("no delivery")
	}
	select {
	case <-echo:
		t.Fatal("sender received its own publish")
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, a.Close())
	assert.Error(t, a.Emit(ctx, "chat", map[string]string{"text": "late"}))
}
