package ingest

import "github.com/pion/webrtc/v4"

const defaultSTUN = "stun:stun.l.google.com:19302"

// ICEServerConfig represents an ICE server from the API payload or config.
type ICEServerConfig struct {
	// URLs can be a string or []string in the payload, so we use interface{}
	// and handle both cases in ParseICEServers.
	URLs       interface{} `json:"urls" mapstructure:"urls" yaml:"urls"`
	Username   string      `json:"username,omitempty" mapstructure:"username" yaml:"username,omitempty"`
	Credential string      `json:"credential,omitempty" mapstructure:"credential" yaml:"credential,omitempty"`
}

// ParseICEServers converts ICE server configs into pion ICEServer structs.
// An empty or unusable list falls back to Google STUN.
func ParseICEServers(raw []ICEServerConfig) []webrtc.ICEServer {
	if len(raw) == 0 {
		return []webrtc.ICEServer{{URLs: []string{defaultSTUN}}}
	}

	servers := make([]webrtc.ICEServer, 0, len(raw))
	for _, s := range raw {
		var urls []string
		switch v := s.URLs.(type) {
		case string:
			urls = []string{v}
		case []string:
			urls = append(urls, v...)
		case []interface{}:
			for _, u := range v {
				if str, ok := u.(string); ok {
					urls = append(urls, str)
				}
			}
		}
		if len(urls) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: urls}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{defaultSTUN}}}
	}
	return servers
}
