package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/romatekai/romatek-voice/internal/config"
)

const (
	defaultStoreDir = "./data/nats"
	readyTimeout    = 5 * time.Second
)

// EmbeddedServer is the in-process broker that carries audit events and
// session presence when the daemon is not pointed at an external cluster.
type EmbeddedServer struct {
	ns       *server.Server
	storeDir string
	log      *slog.Logger
}

// Start launches the broker with JetStream enabled, listening on loopback
// only. It returns nil, nil when the bus is not configured as embedded.
// Port -1 picks a free port; read it back with ClientURL.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}
	e := &EmbeddedServer{
		storeDir: cfg.StoreDir,
		log:      log.With(slog.String("component", "nats-embedded")),
	}
	if e.storeDir == "" {
		e.storeDir = defaultStoreDir
	}

	ns, err := server.NewServer(&server.Options{
		ServerName: "romatekd",
		Host:       "127.0.0.1",
		Port:       cfg.Port,
		JetStream:  true,
		StoreDir:   e.storeDir,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready after %s", readyTimeout)
	}
	e.ns = ns
	e.log.Info("embedded NATS server started",
		slog.String("url", ns.ClientURL()),
		slog.String("store_dir", e.storeDir))
	return e, nil
}

// ClientURL returns the URL clients should use to reach the server.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Running reports whether the broker is accepting connections.
func (e *EmbeddedServer) Running() bool {
	return e != nil && e.ns != nil && e.ns.Running()
}

// Shutdown stops the broker and waits for it to exit. It is nil-safe.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
