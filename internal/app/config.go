package app

import (
	"log/slog"
	"net/http"

	"ciphera/internal/domain"
)

// Config holds runtime wiring options for building the agent.
type Config struct {
	DataDir    string             // state directory, e.g. $HOME/.ciphera-agent
	SMPServers []domain.ServerRef // relay servers new queues are created on
	NtfServer  string             // notification relay host:port; empty disables notifications
	HTTPClient *http.Client       // optional; defaults to http.DefaultClient
	Logger     *slog.Logger       // optional; defaults to slog.Default()

	Agent domain.AgentConfig // timeouts and envelope lengths
}
