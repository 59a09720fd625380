package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/romatekai/romatek-voice/internal/eventstore"
	"github.com/romatekai/romatek-voice/internal/persona"
	"github.com/romatekai/romatek-voice/internal/runtime"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "romatek",
		Usage:   "Realtime voice assistant client and audit tools",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"ROMATEK_CONFIG"}, Usage: "Path to configuration file"},
		},
		Commands: []*cli.Command{
			chatCmd(),
			sessionsCmd(),
			eventsCmd(),
			personasCmd(),
		},
	}
	// Errors are printed by main.
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func loadConfig(c *cli.Context) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, nil, err
	}
	return cfg, runtime.NewLogger(c.App.ErrWriter, cfg.Telemetry.LogLevel, false), nil
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (*eventstore.Store, error) {
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return nil, fmt.Errorf("event store is ephemeral; nothing is recorded")
	}
	return eventstore.Open(ctx, cfg.EventStore, log)
}

// sessionsCmd lists recorded sessions.
func sessionsCmd() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List recorded realtime sessions, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 20, Usage: "Maximum sessions to list"},
		},
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(c.Context, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(c.Context, c.Int("limit"))
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tPERSONA\tSTARTED\tEVENTS")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", s.SessionID, s.Persona, s.CreatedAt.Local().Format(time.DateTime), s.EventCount)
			}
			return tw.Flush()
		},
	}
}

// eventsCmd prints the audit log of one session.
func eventsCmd() *cli.Command {
	return &cli.Command{
		Name:      "events",
		Usage:     "Print the recorded events of a session",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 100, Usage: "Maximum events to print"},
			&cli.BoolFlag{Name: "json", Usage: "Print one JSON object per line"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("session id is required")
			}
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			store, err := openStore(c.Context, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			sessionID := c.Args().First()
			events, err := store.ListSessionEvents(c.Context, sessionID, c.Int("limit"))
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return fmt.Errorf("no events recorded for session %s", sessionID)
			}
			if c.Bool("json") {
				return printEventsJSON(c.App.Writer, events)
			}
			for _, e := range events {
				fmt.Fprintf(c.App.Writer, "%s %-6s %s %s\n",
					e.CreatedAt.Local().Format("15:04:05.000"), e.Direction, e.Name, compact(e.Payload))
			}
			return nil
		},
	}
}

func printEventsJSON(w io.Writer, events []eventstore.Event) error {
	enc := json.NewEncoder(w)
	for _, e := range events {
		line := map[string]any{
			"event_id":   e.EventID,
			"session_id": e.SessionID,
			"direction":  e.Direction,
			"name":       e.Name,
			"created_at": e.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if json.Valid(e.Payload) {
			line["payload"] = json.RawMessage(e.Payload)
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}

func compact(payload []byte) string {
	const limit = 120
	s := strings.Join(strings.Fields(string(payload)), " ")
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}

// personasCmd shows the persona set the next chat session will offer.
func personasCmd() *cli.Command {
	return &cli.Command{
		Name:  "personas",
		Usage: "List the configured personas and their handoffs",
		Action: func(c *cli.Context) error {
			cfg, log, err := loadConfig(c)
			if err != nil {
				return err
			}
			src, err := persona.NewSource(cfg.Realtime.PersonaFile, cfg.Realtime.DefaultPersona, log)
			if err != nil {
				return err
			}
			set := src.Current()
			for _, p := range persona.Order(set.Personas, cfg.Realtime.DefaultPersona) {
				marker := " "
				if p.Name == cfg.Realtime.DefaultPersona {
					marker = "*"
				}
				var tools []string
				for _, t := range p.Tools {
					tools = append(tools, t.Name)
				}
				fmt.Fprintf(c.App.Writer, "%s %s voice=%s handoffs=[%s] tools=[%s]\n",
					marker, p.Name, orDash(p.Voice), strings.Join(p.Handoffs, ","), strings.Join(tools, ","))
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
