package tools

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/elliott-bfs/cmdfu/internal/discover"
	"github.com/elliott-bfs/cmdfu/internal/mac"
	"github.com/elliott-bfs/cmdfu/internal/transport"
)

// NetworkTool drives a client over a TCP tunnel carrying the serial
// framing (simulators, serial-over-IP bridges).
type NetworkTool struct {
	host        string
	port        int
	readTimeout time.Duration
}

func (t *NetworkTool) Name() string        { return "network" }
func (t *NetworkTool) Description() string { return "MDFU client behind a TCP tunnel" }

func (t *NetworkTool) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&t.host, "host", "localhost", "Client host name or address")
	fs.IntVar(&t.port, "port", 5559, "Client TCP port")
	fs.DurationVar(&t.readTimeout, "read-timeout", mac.DefaultSocketReadTimeout, "MAC-level read timeout")
}

func (t *NetworkTool) Validate() error {
	if t.host == "" {
		return fmt.Errorf("network tool: --host is required")
	}
	if t.port <= 0 || t.port > 65535 {
		return fmt.Errorf("network tool: invalid port %d", t.port)
	}
	return nil
}

func (t *NetworkTool) Transport() (transport.Transport, error) {
	m := mac.NewSocket(mac.SocketConfig{
		Host:        t.host,
		Port:        t.port,
		ReadTimeout: t.readTimeout,
	})
	return transport.NewSerialTransport(m), nil
}

// ListConnectedTools browses mDNS for network-attached MDFU tools.
func (t *NetworkTool) ListConnectedTools(ctx context.Context, wait time.Duration) ([]discover.Tool, error) {
	return discover.Browse(ctx, wait)
}
