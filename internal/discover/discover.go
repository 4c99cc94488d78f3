// Package discover browses mDNS for network-attached MDFU tools.
package discover

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service advertised by network-attached MDFU
// tools (simulators, serial bridges).
const ServiceType = "_mdfu._tcp"

// Tool is one discovered network tool.
type Tool struct {
	Instance string
	Host     string
	Port     int
	Addrs    []string
	Text     []string
}

// Browse looks for MDFU tools on the local network for the given duration.
func Browse(ctx context.Context, wait time.Duration) ([]Tool, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	var tools []Tool
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			t := Tool{
				Instance: e.Instance,
				Host:     e.HostName,
				Port:     e.Port,
				Text:     e.Text,
			}
			for _, ip := range e.AddrIPv4 {
				t.Addrs = append(t.Addrs, ip.String())
			}
			for _, ip := range e.AddrIPv6 {
				t.Addrs = append(t.Addrs, ip.String())
			}
			tools = append(tools, t)
		}
	}()
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	<-done
	return tools, nil
}
