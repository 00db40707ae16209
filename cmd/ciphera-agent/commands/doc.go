// Package commands defines the ciphera-agent CLI: identity management plus
// the agent's connection, messaging, rotation and notification operations,
// each mapped onto one cobra sub-command.
package commands
