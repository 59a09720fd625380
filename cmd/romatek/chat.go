package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/romatekai/romatek-voice/internal/audit"
	"github.com/romatekai/romatek-voice/internal/bus"
	"github.com/romatekai/romatek-voice/internal/chat"
	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/romatekai/romatek-voice/internal/credential"
	"github.com/romatekai/romatek-voice/internal/eventstore"
	"github.com/romatekai/romatek-voice/internal/input"
	"github.com/romatekai/romatek-voice/internal/persona"
	"github.com/romatekai/romatek-voice/internal/presence"
	"github.com/romatekai/romatek-voice/internal/realtime"
	"github.com/romatekai/romatek-voice/internal/render"
	"github.com/romatekai/romatek-voice/internal/runtime"
	"github.com/romatekai/romatek-voice/internal/session"
)

// chatCmd opens a realtime session and drives it from stdin.
func chatCmd() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Talk to the assistant over a realtime session (type /help for commands)",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "persona", Aliases: []string{"p"}, Usage: "Persona to start with (defaults to the configured default)"},
			&cli.BoolFlag{Name: "ptt", Usage: "Start in push-to-talk mode"},
			&cli.StringFlag{Name: "audit", Usage: "Audit sink override: store|bus|memory"},
			&cli.StringFlag{Name: "record", Usage: "Save assistant audio to this WAV file on exit"},
		},
		Action: runChat,
	}
}

func runChat(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	if name := c.String("persona"); name != "" {
		cfg.Realtime.DefaultPersona = name
	}
	if c.IsSet("ptt") {
		cfg.Realtime.PushToTalk = c.Bool("ptt")
	}
	if sink := c.String("audit"); sink != "" {
		cfg.Audit.Sink = sink
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := runtime.SetupTelemetry(cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	personas, err := persona.NewSource(cfg.Realtime.PersonaFile, cfg.Realtime.DefaultPersona, logger)
	if err != nil {
		return fmt.Errorf("load personas: %w", err)
	}
	go func() {
		if err := personas.Watch(ctx); err != nil {
			logger.Warn("persona watch stopped", slog.String("error", err.Error()))
		}
	}()

	sink, busClient, closeSink, err := openAuditSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	var recorder *chat.AudioRecorder
	var audioSink func([]byte)
	if path := c.String("record"); path != "" {
		recorder = &chat.AudioRecorder{}
		audioSink = recorder.Write
		defer func() {
			if recorder.Len() == 0 {
				return
			}
			if err := recorder.Save(path); err != nil {
				logger.Error("save recording failed", slog.String("error", err.Error()))
			}
		}()
	}

	tools := map[string]realtime.ToolHandler{}
	if cfg.Realtime.SupervisorURL != "" {
		tools[persona.SupervisorTool] = chat.SupervisorTool(cfg.Realtime.SupervisorURL, time.Duration(cfg.LLM.TimeoutMS)*time.Millisecond)
	}

	mgr := session.NewManager(session.Options{
		Credentials:        credential.NewFetcher(cfg.Realtime.CredentialURL),
		Personas:           personas,
		DefaultPersona:     cfg.Realtime.DefaultPersona,
		Endpoint:           cfg.Realtime.Endpoint,
		Model:              cfg.Realtime.Model,
		Voice:              cfg.Realtime.Voice,
		HandshakeTimeout:   time.Duration(cfg.Realtime.HandshakeTimeoutMS) * time.Millisecond,
		ToolTimeout:        time.Duration(cfg.Realtime.ToolTimeoutMS) * time.Millisecond,
		Tools:              tools,
		Guardrail:          realtime.TermGuardrail(cfg.Realtime.GuardrailTerms),
		AudioSink:          audioSink,
		AudioPlayback:      cfg.Realtime.AudioPlayback,
		Greeting:           greeting(cfg.Realtime),
		PreserveTranscript: cfg.Realtime.PreserveTranscript,
		Audit:              sink,
		Logger:             logger,
	})

	vad := cfg.Realtime.VAD
	ctrl := input.New(mgr, cfg.Realtime.PushToTalk, realtime.ServerVAD(vad.Threshold, vad.PrefixPaddingMS, vad.SilenceDurationMS, vad.CreateResponse), logger)
	loop := chat.New(mgr, ctrl, render.New(render.DefaultTheme()), c.App.Writer, logger)

	var announcer *presence.Announcer
	if busClient != nil {
		announcer = presence.NewAnnouncer(busClient, cfg.Presence, cfg.RuntimeName+"-chat", logger)
		announcer.Start(ctx)
		defer announcer.Close()
	}

	mgr.OnTranscript(loop.Attach)
	mgr.OnStatusChange(func(s session.Status) {
		switch s {
		case session.StatusConnected:
			ctrl.SyncSession(ctx)
			if announcer != nil {
				announcer.Announce(mgr.SessionID(), mgr.ActivePersona(), string(s))
			}
		case session.StatusDisconnected:
			ctrl.Reset()
			if announcer != nil {
				announcer.End()
			}
		}
	})

	fmt.Fprintln(c.App.Writer, "connecting... (type /help for commands)")
	if err := mgr.Connect(ctx); err != nil {
		fmt.Fprintf(c.App.Writer, "connect failed: %v (use /reconnect to retry)\n", err)
	} else {
		fmt.Fprintln(c.App.Writer, render.New(render.DefaultTheme()).Status(string(mgr.Status()), mgr.ActivePersona(), ctrl.PushToTalk(), mgr.Muted()))
	}
	defer mgr.Disconnect()

	return loop.Run(ctx, c.App.Reader)
}

func greeting(cfg config.RealtimeConfig) string {
	if !cfg.GreetOnConnect {
		return ""
	}
	return cfg.Greeting
}

// openAuditSink returns the sink selected by cfg.Audit.Sink. The bus client
// is non-nil only for the bus sink.
func openAuditSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (audit.Sink, *bus.Client, func(), error) {
	switch cfg.Audit.Sink {
	case "bus":
		client, err := bus.Connect(ctx, cfg.Bus, cfg.RuntimeName+"-chat", logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect bus: %w", err)
		}
		return audit.NewBusSink(client), client, client.Close, nil
	case "memory":
		return audit.NewMemorySink(), nil, func() {}, nil
	default:
		store, err := eventstore.Open(ctx, cfg.EventStore, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open event store: %w", err)
		}
		return audit.NewStoreSink(store), nil, func() { _ = store.Close() }, nil
	}
}
