// Package config loads process configuration: a .env file first, then
// environment variables, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/DoyleJ11/spinparty/pkg/types"
)

const (
	TransportWS   = "ws"
	TransportNATS = "nats"
)

var ErrInvalid = errors.New("invalid config")

// LoadDotEnv loads the given files (default .env) into the environment.
// Missing files are not an error; variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Server configures the relay binary.
type Server struct {
	Addr            string        `env:"SPINPARTY_ADDR" envDefault:":8080"`
	RoomIdle        time.Duration `env:"SPINPARTY_ROOM_IDLE" envDefault:"30m"`
	AllowedOrigins  []string      `env:"SPINPARTY_ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `env:"SPINPARTY_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"SPINPARTY_LOG_LEVEL" envDefault:"info"`
	LogDev          bool          `env:"SPINPARTY_LOG_DEV"`
}

func ParseServer(fs *flag.FlagSet, args []string) (Server, error) {
	var cfg Server
	if err := ParseEnv(&cfg); err != nil {
		return Server{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.DurationVar(&cfg.RoomIdle, "room-idle", cfg.RoomIdle, "close empty rooms after this long, 0 disables")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "human-readable logs")
	if err := fs.Parse(args); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Client configures one party member.
type Client struct {
	Code        string   `env:"SPINPARTY_CODE"`
	ClientID    string   `env:"SPINPARTY_CLIENT_ID"`
	Nickname    string   `env:"SPINPARTY_NICKNAME"`
	Creator     bool     `env:"SPINPARTY_CREATOR"`
	Tags        []string `env:"SPINPARTY_TAGS" envSeparator:","`
	Allergens   []string `env:"SPINPARTY_ALLERGENS" envSeparator:","`
	Transport   string   `env:"SPINPARTY_TRANSPORT" envDefault:"ws"`
	RelayURL    string   `env:"SPINPARTY_RELAY_URL" envDefault:"ws://localhost:8080/ws"`
	NatsURL     string   `env:"SPINPARTY_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	SelectorURL string   `env:"SPINPARTY_SELECTOR_URL" envDefault:"http://localhost:8090"`
	DatabaseURL string   `env:"SPINPARTY_DATABASE_URL"`

	TTL           time.Duration `env:"SPINPARTY_TTL" envDefault:"120s"`
	Heartbeat     time.Duration `env:"SPINPARTY_HEARTBEAT" envDefault:"15s"`
	SelectTimeout time.Duration `env:"SPINPARTY_SELECT_TIMEOUT" envDefault:"10s"`

	LogLevel string `env:"SPINPARTY_LOG_LEVEL" envDefault:"warn"`
	LogDev   bool   `env:"SPINPARTY_LOG_DEV"`
}

func ParseClient(fs *flag.FlagSet, args []string) (Client, error) {
	var cfg Client
	if err := ParseEnv(&cfg); err != nil {
		return Client{}, err
	}
	allergens := strings.Join(cfg.Allergens, ",")
	tags := strings.Join(cfg.Tags, ",")

	fs.StringVar(&cfg.Code, "code", cfg.Code, "room code; empty creates a new room")
	fs.StringVar(&cfg.ClientID, "id", cfg.ClientID, "client id; empty generates one")
	fs.StringVar(&cfg.Nickname, "nick", cfg.Nickname, "display name")
	fs.BoolVar(&cfg.Creator, "creator", cfg.Creator, "join as the party creator")
	fs.StringVar(&allergens, "allergens", allergens, "comma-separated allergens to avoid")
	fs.StringVar(&tags, "tags", tags, "comma-separated preferred tags")
	fs.StringVar(&cfg.Transport, "transport", cfg.Transport, "ws or nats")
	fs.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "relay websocket endpoint")
	fs.StringVar(&cfg.NatsURL, "nats", cfg.NatsURL, "NATS server url")
	fs.StringVar(&cfg.SelectorURL, "selector", cfg.SelectorURL, "selection service base url")
	fs.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "Postgres DSN for member profiles; optional")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return Client{}, err
	}
	cfg.Allergens = splitList(allergens)
	cfg.Tags = splitList(tags)
	cfg.Code = strings.ToUpper(strings.TrimSpace(cfg.Code))

	if err := cfg.Validate(); err != nil {
		return Client{}, err
	}
	return cfg, nil
}

func (c Client) Validate() error {
	if !slices.Contains([]string{TransportWS, TransportNATS}, c.Transport) {
		return fmt.Errorf("%w: transport %q", ErrInvalid, c.Transport)
	}
	if c.Code != "" && !types.ValidCode(c.Code) {
		return fmt.Errorf("%w: room code %q", ErrInvalid, c.Code)
	}
	if c.Code == "" && !c.Creator {
		return fmt.Errorf("%w: a room code is required to join as a guest", ErrInvalid)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
