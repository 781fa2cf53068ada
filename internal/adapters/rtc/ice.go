// Package rtc prepares the WebRTC bootstrap data handed to clients. Media
// never passes through the server; peers negotiate directly over the relay.
package rtc

import (
	"fmt"
	"strings"

	"github.com/dkeye/Ring/internal/config"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultICEServers is used when the config lists none.
func DefaultICEServers() []webrtc.ICEServer {
	return []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// ICEServers converts configured entries, validating every URL. TURN
// entries must carry credentials.
func ICEServers(entries []config.ICEServer) ([]webrtc.ICEServer, error) {
	if len(entries) == 0 {
		return DefaultICEServers(), nil
	}
	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls := make([]string, 0, len(entry.URLs))
		for _, raw := range entry.URLs {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			uri, err := stun.ParseURI(raw)
			if err != nil {
				return nil, fmt.Errorf("ice_servers[%d]: %q: %w", i, raw, err)
			}
			if isTURN(uri) && (entry.Username == "" || entry.Credential == "") {
				return nil, fmt.Errorf("ice_servers[%d]: %q needs username and credential", i, raw)
			}
			urls = append(urls, raw)
		}
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls}
		if entry.Username != "" {
			server.Username = entry.Username
			server.Credential = entry.Credential
		}
		servers = append(servers, server)
	}
	log.Info().Str("module", "adapters.rtc").Int("servers", len(servers)).Msg("ice servers configured")
	return servers, nil
}

func isTURN(uri *stun.URI) bool {
	return uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS
}
