package editor

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/xxuejie/go-delta-docs/protocol"
)

// Peer is a server found on the local network.
type Peer struct {
	Instance string
	URL      string
}

func peerFromEntry(entry *zeroconf.ServiceEntry) (Peer, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return Peer{}, false
	}
	return Peer{
		Instance: entry.Instance,
		URL:      fmt.Sprintf("http://%s", net.JoinHostPort(ip.String(), fmt.Sprint(entry.Port))),
	}, true
}

// Discover browses for announced servers until ctx is done.
func Discover(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	var (
		mu    sync.Mutex
		peers = make(map[string]Peer)
	)
	entries := make(chan *zeroconf.ServiceEntry)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if p, ok := peerFromEntry(entry); ok {
				mu.Lock()
				peers[p.Instance] = p
				mu.Unlock()
			}
		}
	}(entries)

	if err := resolver.Browse(ctx, protocol.ServiceType, protocol.ServiceDomain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse for mDNS services: %w", err)
	}
	<-ctx.Done()

	mu.Lock()
	defer mu.Unlock()
	found := make([]Peer, 0, len(peers))
	for _, p := range peers {
		found = append(found, p)
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Instance < found[j].Instance })
	return found, nil
}
