package server

import (
	"fmt"
	"net"
	"os"

	"github.com/grandcat/zeroconf"

	"github.com/xxuejie/go-delta-docs/protocol"
)

// announce advertises the listener over mDNS when an instance name is
// configured. The returned func withdraws it.
func (s *Server) announce(listener net.Listener) (func(), error) {
	if s.config.Announce == "" {
		return func() {}, nil
	}
	addr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("announce: %s is not a TCP listener", listener.Addr())
	}
	host, _ := os.Hostname()
	instance := fmt.Sprintf("%s-%s", s.config.Announce, host)
	zs, err := zeroconf.Register(instance, protocol.ServiceType, protocol.ServiceDomain, addr.Port, []string{"txtv=0", "ws=/ws"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	s.log.Info().Str("instance", instance).Int("port", addr.Port).Msg("mDNS service registered")
	return zs.Shutdown, nil
}
