// Package deploy builds and persists the Portainer deployment descriptor
// (a compose file) and the typed deployment record written next to it.
package deploy

import (
	"fmt"
	"strings"
)

// Mode selects one of the two deployment variants.
type Mode string

const (
	ModeServer Mode = "server"
	ModeAgent  Mode = "agent"
)

// Service and container names per mode.
const (
	ServerService = "portainer"
	AgentService  = "portainer_agent"
)

// Published ports.
const (
	ServerUIPort   = 9443
	ServerEdgePort = 8000
	AgentPort      = 9001
)

// ServerDataTarget is where the server keeps its state inside the container.
const ServerDataTarget = "/data"

// SentinelServerAddress is written when no server address was supplied for an
// agent install. The operator must edit the descriptor before starting.
const SentinelServerAddress = "YOUR_PORTAINER_SERVER_IP"

// ParseMode accepts the interactive menu answers ("1", "2") and the mode names.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "server":
		return ModeServer, nil
	case "2", "agent":
		return ModeAgent, nil
	default:
		return "", fmt.Errorf("invalid choice %q: expected 1 (server) or 2 (agent)", s)
	}
}

// ServiceName returns the compose service (and container) name for m.
func (m Mode) ServiceName() string {
	if m == ModeAgent {
		return AgentService
	}
	return ServerService
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeServer || m == ModeAgent
}

func (m Mode) String() string { return string(m) }
