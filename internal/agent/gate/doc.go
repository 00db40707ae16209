// Package gate implements the agent's Operation Gate: four
// lease-counted operation classes and an agent-wide Active/Suspending/
// Suspended state machine that lets suspendAgent drain in-flight network
// and delivery work before forcing a stop, and activateAgent resume classes
// in the order that keeps sinks ready before their sources.
package gate
