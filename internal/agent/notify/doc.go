// Package notify implements the notification supervisor: the
// token state machine (none → Registered → Confirmed → Active → Expired;
// there is no replace step back to Registered) and the per-connection
// subscription loop that mirrors enableNtfs flips and connection
// subscription state to the notification relay, modeled after the
// service-over-store package shape used across the agent.
package notify
