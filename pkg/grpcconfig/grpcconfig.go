// Package grpcconfig resolves the network address of a cluster peer, with
// config-driven overrides that take effect without a restart.
package grpcconfig

import (
	"fmt"
	"os"
	"strconv"

	"github.com/cordata/raftd/pkg/config"
)

// PeerAddress returns the address to dial for peerID, given the static
// peer map parsed from -peers at startup. It first checks the hot-reloadable
// config (so an operator can redirect a peer without restarting the node),
// then an environment variable, then falls back to the static map.
func PeerAddress(cfg *config.Config, peerID string, staticPeers map[string]string) string {
	if cfg != nil {
		configKey := fmt.Sprintf("peers.%s.address", peerID)
		if addr := cfg.Get(configKey); addr != "" {
			return addr
		}
	}

	envKey := fmt.Sprintf("RAFTD_PEER_%s_ADDRESS", peerID)
	if addr := os.Getenv(envKey); addr != "" {
		return addr
	}

	return staticPeers[peerID]
}

// ServicePort extracts the port number from a "host:port" address.
func ServicePort(address string) int {
	if address == "" {
		return 0
	}
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			if port, err := strconv.Atoi(address[i+1:]); err == nil {
				return port
			}
			return 0
		}
	}
	return 0
}

// ValidateAddress checks that address has the form "host:port" with a
// usable port.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("peer address cannot be empty")
	}
	port := ServicePort(address)
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port in peer address: %s", address)
	}
	return nil
}
