package types

// NtfTokenStatus is the notification token's place in its registration
// state machine with the notification server.
type NtfTokenStatus string

const (
	NtfNone       NtfTokenStatus = "none"
	NtfRegistered NtfTokenStatus = "registered"
	NtfConfirmed  NtfTokenStatus = "confirmed"
	NtfActive     NtfTokenStatus = "active"
	NtfExpired    NtfTokenStatus = "expired"
)

// NtfMode selects how the notification supervisor mirrors connection
// lifecycle into relay subscriptions: Instant runs the per-connection
// create/delete loop, Periodic relies solely on the relay's own cron.
type NtfMode string

const (
	NtfInstant  NtfMode = "instant"
	NtfPeriodic NtfMode = "periodic"
)

// NtfAction records a pending registration step the supervisor must still
// perform against the notification relay (e.g. a replace after the relay
// issued a new tknId).
type NtfAction string

const (
	NtfActionNone    NtfAction = ""
	NtfActionReplace NtfAction = "replace"
	NtfActionDelete  NtfAction = "delete"
)

// NtfToken is the agent's registration with a notification server.
type NtfToken struct {
	DeviceToken string         `json:"device_token"`
	NtfServer   ServerRef      `json:"ntf_server"`
	TknId       string         `json:"tkn_id,omitempty"`
	Status      NtfTokenStatus `json:"status"`
	Mode        NtfMode        `json:"mode"`
	Action      NtfAction      `json:"action,omitempty"`
}
