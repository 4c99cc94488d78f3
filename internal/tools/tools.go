// Package tools bundles a configured MAC driver with the matching
// transport framing, selected by name on the command line.
package tools

import (
	"flag"
	"fmt"
	"sort"

	"github.com/elliott-bfs/cmdfu/internal/transport"
)

// Tool is one way of reaching an MDFU client: it contributes its own
// flags and builds the MAC plus framing layer from them.
type Tool interface {
	Name() string
	Description() string
	// RegisterFlags adds the tool's parameters to fs.
	RegisterFlags(fs *flag.FlagSet)
	// Validate checks the parsed parameters before any device is touched.
	Validate() error
	// Transport builds the configured (unopened) transport.
	Transport() (transport.Transport, error)
}

var registry = map[string]func() Tool{
	"serial":  func() Tool { return &SerialTool{} },
	"network": func() Tool { return &NetworkTool{} },
	"spidev":  func() Tool { return &SpidevTool{} },
	"i2cdev":  func() Tool { return &I2cdevTool{} },
}

// New returns a fresh tool for name.
func New(name string) (Tool, error) {
	mk, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q (use one of %v)", name, Names())
	}
	return mk(), nil
}

// Names lists the registered tool names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
