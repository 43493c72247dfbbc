package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServer_DefaultsEnvAndFlags(t *testing.T) {
	t.Setenv("SPINPARTY_ROOM_IDLE", "5m")
	t.Setenv("SPINPARTY_ALLOWED_ORIGINS", "localhost:*,example.com")

	cfg, err := ParseServer(flag.NewFlagSet("server", flag.ContinueOnError), []string{"-addr", ":9999"})
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Addr, "flag wins over default")
	assert.Equal(t, 5*time.Minute, cfg.RoomIdle)
	assert.Equal(t, []string{"localhost:*", "example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestParseClient(t *testing.T) {
	t.Setenv("SPINPARTY_ALLERGENS", "peanut")

	cfg, err := ParseClient(flag.NewFlagSet("partyctl", flag.ContinueOnError),
		[]string{"-code", " abc123 ", "-nick", "Ana", "-tags", "spicy, ,vegan"})
	require.NoError(t, err)

	assert.Equal(t, "ABC123", cfg.Code)
	assert.Equal(t, "Ana", cfg.Nickname)
	assert.Equal(t, []string{"peanut"}, cfg.Allergens)
	assert.Equal(t, []string{"spicy", "vegan"}, cfg.Tags)
	assert.Equal(t, TransportWS, cfg.Transport)
	assert.Equal(t, 120*time.Second, cfg.TTL)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat)
}

func TestParseClient_Invalid(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{name: "unknown transport", args: []string{"-code", "ABC123", "-transport", "carrier-pigeon"}},
		{name: "bad code", args: []string{"-code", "abc"}},
		{name: "guest without code", args: nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClient(flag.NewFlagSet("partyctl", flag.ContinueOnError), tc.args)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	cfg, err := ParseClient(flag.NewFlagSet("partyctl", flag.ContinueOnError), []string{"-creator"})
	require.NoError(t, err, "a creator may start without a code")
	assert.True(t, cfg.Creator)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SPINPARTY_TEST_FROM_FILE=yes\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("SPINPARTY_TEST_FROM_FILE") })

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "yes", os.Getenv("SPINPARTY_TEST_FROM_FILE"))
}
