package types

import "strings"

// ServerRef identifies an SMP relay server the agent holds queues on.
type ServerRef struct {
	Host    string `json:"host"`
	Port    string `json:"port"`
	KeyHash string `json:"key_hash"` // fingerprint of the server's identity key
}

// String renders a ServerRef as host:port for logging and display.
func (s ServerRef) String() string {
	if s.Port == "" {
		return s.Host
	}
	return s.Host + ":" + s.Port
}

// MarshalText renders host:port(#keyhash), letting ServerRef serve as a
// JSON map key in the stores.
func (s ServerRef) MarshalText() ([]byte, error) {
	out := s.String()
	if s.KeyHash != "" {
		out += "#" + s.KeyHash
	}
	return []byte(out), nil
}

// UnmarshalText reverses MarshalText.
func (s *ServerRef) UnmarshalText(b []byte) error {
	text := string(b)
	if host, hash, ok := strings.Cut(text, "#"); ok {
		s.KeyHash = hash
		text = host
	} else {
		s.KeyHash = ""
	}
	if host, port, ok := strings.Cut(text, ":"); ok {
		s.Host, s.Port = host, port
	} else {
		s.Host, s.Port = text, ""
	}
	return nil
}
