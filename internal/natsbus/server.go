package natsbus

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/arable/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

const serverName = "arable"

// Bus is the embedded NATS server that carries orchestrator and scheduler
// events. JetStream is always on: the retained event stream lives in its
// store directory below the configured data dir.
type Bus struct {
	server   *natsserver.Server
	storeDir string
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		ServerName:        serverName,
		Host:              "127.0.0.1",
		Port:              cfg.Port,
		NoLog:             true,
		NoSigs:            true,
		JetStream:         true,
		StoreDir:          cfg.DataDir,
		JetStreamMaxStore: cfg.MaxStore,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server not ready")
	}
	if !ns.JetStreamEnabled() {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server started without jetstream")
	}

	return &Bus{
		server:   ns,
		storeDir: filepath.Join(cfg.DataDir, natsserver.JetStreamStoreDir),
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port returns the bound client port, which differs from the configured
// one when that was -1.
func (b *Bus) Port() int {
	if addr, ok := b.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// StoreDir is where the retained event stream is kept.
func (b *Bus) StoreDir() string {
	return b.storeDir
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
