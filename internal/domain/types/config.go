package types

import "time"

// NetworkConfig bounds how the relay client pool and send pipeline treat the
// network: request timeouts, and the backoff schedule for transient
// failures.
type NetworkConfig struct {
	TCPTimeout       time.Duration `json:"tcp_timeout"`
	RetryInterval    time.Duration `json:"retry_interval"`
	MaxRetryInterval time.Duration `json:"max_retry_interval"`
}

// DefaultNetworkConfig mirrors the relay's own request timeouts.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		TCPTimeout:       10 * time.Second,
		RetryInterval:    2 * time.Second,
		MaxRetryInterval: 2 * time.Minute,
	}
}

// AgentConfig is the top-level configuration for one agent instance.
type AgentConfig struct {
	DataDir string        `json:"data_dir"`
	Network NetworkConfig `json:"network"`

	// HelloTimeout bounds retries of a HELLO whose peer has not yet secured
	// the queue; MessageTimeout bounds every other retried send.
	HelloTimeout   time.Duration `json:"hello_timeout"`
	MessageTimeout time.Duration `json:"message_timeout"`

	// Padded envelope lengths: every plaintext is padded to exactly one of
	// these two sizes before ratchet encryption, fixed per envelope kind.
	ConnInfoLength int `json:"conn_info_length"`
	UserMsgLength  int `json:"user_msg_length"`
}

// DefaultAgentConfig returns an AgentConfig with the stock timeouts and
// envelope lengths.
func DefaultAgentConfig(dataDir string) AgentConfig {
	return AgentConfig{
		DataDir:        dataDir,
		Network:        DefaultNetworkConfig(),
		HelloTimeout:   2 * time.Minute,
		MessageTimeout: 30 * time.Second,
		ConnInfoLength: 14848,
		UserMsgLength:  15856,
	}
}
