// Command partyctl joins a party room from a terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/config"
	"github.com/DoyleJ11/spinparty/internal/engine"
	"github.com/DoyleJ11/spinparty/internal/httpapi"
	"github.com/DoyleJ11/spinparty/internal/logging"
	"github.com/DoyleJ11/spinparty/internal/partystore"
	"github.com/DoyleJ11/spinparty/internal/selection"
	"github.com/DoyleJ11/spinparty/internal/session"
	"github.com/DoyleJ11/spinparty/internal/spin"
	"github.com/DoyleJ11/spinparty/internal/transport"
	"github.com/DoyleJ11/spinparty/internal/transport/natsbus"
	"github.com/DoyleJ11/spinparty/internal/transport/wsrelay"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

const usage = `commands:
  spin <cat> <cat> <cat>   full spin (host only)
  reroll <slot>            reroll one slot (host only)
  keep <slot>              vote to keep a slot
  toss <slot>              vote to reroll a slot
  chat <text>              send a chat message
  show                     print the room
  quit`

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.ParseClient(flag.CommandLine, os.Args[1:])
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.Code == "" {
		if cfg.Code, err = httpapi.GenerateCode(); err != nil {
			return err
		}
	}

	profile := partystore.Profile{
		Code:        cfg.Code,
		ClientID:    cfg.ClientID,
		Nickname:    cfg.Nickname,
		Creator:     cfg.Creator,
		Constraints: spin.Constraints{Tags: cfg.Tags, Allergens: cfg.Allergens},
	}
	if cfg.DatabaseURL != "" {
		if profile, err = loadProfile(ctx, cfg.DatabaseURL, profile, log); err != nil {
			return err
		}
	}

	var dial transport.Dialer
	switch cfg.Transport {
	case config.TransportNATS:
		dial = natsbus.Dialer(cfg.NatsURL, log)
	default:
		dial = wsrelay.Dialer(cfg.RelayURL, profile.ClientID, log)
	}

	s, err := session.New(session.Config{
		Code:          profile.Code,
		ClientID:      profile.ClientID,
		Nickname:      profile.Nickname,
		Creator:       profile.Creator,
		Constraints:   profile.Constraints,
		TTL:           cfg.TTL,
		Heartbeat:     cfg.Heartbeat,
		SelectTimeout: cfg.SelectTimeout,
	}, session.Deps{
		Dial:     dial,
		Selector: selection.NewClient(cfg.SelectorURL, log),
		Logger:   log,
	})
	if err != nil {
		return err
	}
	if err := s.Join(ctx); err != nil {
		return err
	}
	defer func() { _ = s.Leave(context.Background()) }()

	fmt.Printf("joined %s as %s\n%s\n", profile.Code, profile.ClientID, usage)
	go printAlerts(ctx, s)
	return repl(ctx, s, os.Stdin, os.Stdout)
}

// loadProfile reuses a stored member, or records this one.
func loadProfile(ctx context.Context, dsn string, p partystore.Profile, log *zap.Logger) (partystore.Profile, error) {
	store, err := partystore.Open(dsn, log)
	if err != nil {
		return p, err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return p, err
	}

	stored, err := store.Member(ctx, p.Code, p.ClientID)
	switch {
	case err == nil:
		return stored, nil
	case !errors.Is(err, partystore.ErrNotFound):
		return p, err
	}
	if p.Creator {
		err = store.CreateParty(ctx, p)
	} else {
		err = store.SaveMember(ctx, p)
	}
	if err != nil && !errors.Is(err, partystore.ErrNotFound) {
		return p, err
	}
	return p, nil
}

func printAlerts(ctx context.Context, s *session.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-s.Alerts():
			fmt.Printf("! %s failed: %v\n", a.Action, a.Err)
		}
	}
}

func repl(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := exec(ctx, s, line, out)
			if err != nil {
				fmt.Fprintln(out, "error:", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func exec(ctx context.Context, s *session.Session, line string, out io.Writer) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch cmd, args := fields[0], fields[1:]; cmd {
	case "quit", "exit":
		return true, nil
	case "spin":
		if len(args) != types.SlotCount {
			return false, fmt.Errorf("spin needs %d categories", types.SlotCount)
		}
		return false, s.Spin(ctx, [types.SlotCount]string(args))
	case "reroll":
		idx, err := slot(args)
		if err != nil {
			return false, err
		}
		return false, s.Reroll(ctx, idx, nil)
	case "keep", "toss":
		idx, err := slot(args)
		if err != nil {
			return false, err
		}
		kind := engine.VoteKeep
		if cmd == "toss" {
			kind = engine.VoteReroll
		}
		return false, s.Vote(ctx, idx, kind)
	case "chat":
		_, err := s.Chat(ctx, strings.Join(args, " "))
		return false, err
	case "show":
		v, err := s.View(ctx)
		if err != nil {
			return false, err
		}
		render(out, v)
		return false, nil
	default:
		fmt.Fprintln(out, usage)
		return false, nil
	}
}

func slot(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one slot number")
	}
	idx, err := strconv.Atoi(args[0])
	if err != nil {
		return 0, fmt.Errorf("slot %q: %w", args[0], err)
	}
	return idx, nil
}

func render(out io.Writer, v session.View) {
	fmt.Fprintf(out, "room %s via %s  host=%s  quorum=%d\n", v.Code, v.TransportKind, v.Host, v.Quorum)
	for _, p := range v.Roster {
		mark := " "
		if p.ID == v.Host {
			mark = "*"
		}
		fmt.Fprintf(out, " %s %s (%s)\n", mark, p.Nickname, p.ID)
	}
	for i, sl := range v.Board.Slots {
		name := "-"
		if sl.Dish != nil {
			name = sl.Dish.Name
		}
		lock := ""
		if sl.Locked {
			lock = " [locked]"
		}
		fmt.Fprintf(out, " slot %d: %s%s  keep=%d reroll=%d\n", i, name, lock, v.Votes[i].Keep, v.Votes[i].Reroll)
	}
	if v.Board.Summary.Headline != "" {
		fmt.Fprintln(out, " "+v.Board.Summary.Headline)
	}
	for _, m := range v.Chat {
		fmt.Fprintf(out, " <%s> %s\n", m.From, m.Text)
	}
}
