// Package ice serves the STUN/TURN server list clients plug into their
// peer connections. The list is fixed at startup from configuration.
package ice

// Server is one ICE server entry, shaped the way browsers expect it in
// an RTCPeerConnection configuration.
type Server struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Provider holds the resolved ICE server list.
type Provider struct {
	servers []Server
}

// NewProvider builds the server list from configuration. STUN servers are
// grouped into a single entry; a TURN entry with credentials is added only
// when a TURN URL is configured.
func NewProvider(stunServers []string, turnURL, turnUsername, turnCredential string) *Provider {
	var servers []Server
	if len(stunServers) > 0 {
		servers = append(servers, Server{URLs: append([]string(nil), stunServers...)})
	}
	if turnURL != "" {
		servers = append(servers, Server{
			URLs:       []string{turnURL},
			Username:   turnUsername,
			Credential: turnCredential,
		})
	}
	return &Provider{servers: servers}
}

// Servers returns a copy of the configured ICE servers.
func (p *Provider) Servers() []Server {
	out := make([]Server, len(p.servers))
	copy(out, p.servers)
	return out
}
