package rtc

import (
	"github.com/dkeye/Desk/internal/domain"
	"github.com/pion/webrtc/v4"
)

// Configuration builds the peer configuration for a candidate kind. The
// relayed candidate only gathers TURN candidates.
func Configuration(kind domain.TransportKind, cfg domain.SessionConfig) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if reflex := cfg.ReflexServers(); len(reflex) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: reflex})
	}
	if relay := cfg.RelayServers(); len(relay) > 0 {
		user, pass := cfg.P2PCredentials()
		servers = append(servers, webrtc.ICEServer{
			URLs:       relay,
			Username:   user,
			Credential: pass,
		})
	}

	c := webrtc.Configuration{ICEServers: servers}
	if kind == domain.RelayedP2P {
		c.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return c
}
