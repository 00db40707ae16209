package sendpipeline

import (
	"errors"

	"ciphera/internal/agenterr"
	"ciphera/internal/domain"
)

// verdict is the outcome of classifying one failed send attempt.
type verdict int

const (
	verdictRetry verdict = iota
	verdictPermanent
	verdictCancelRotation
)

// classify maps a relay error and the envelope kind it occurred on to a
// retry decision. duplexHandshake matters only for HELLO under AUTH: with
// the duplex handshake the peer secured the queue before HELLO was ever
// sent, so AUTH is final; a legacy peer may simply not have secured it yet,
// so the HELLO keeps retrying until its timeout.
func classify(err error, kind domain.AgentMsgKind, duplexHandshake bool) verdict {
	var e *agenterr.Err
	if !errors.As(err, &e) {
		return verdictPermanent
	}

	switch e.Kind {
	case "SMP":
		switch e.Code {
		case "QUOTA":
			switch {
			case kind.IsConnInfo():
				return verdictPermanent
			case kind == domain.MsgQTest || kind == domain.MsgQHello:
				return verdictCancelRotation
			default:
				return verdictRetry
			}
		case "AUTH":
			if kind == domain.MsgHello && !duplexHandshake {
				return verdictRetry
			}
			return verdictPermanent
		default:
			return verdictRetry
		}
	case "BROKER":
		if e.Code == string(agenterr.BrokerHost) || e.Code == string(agenterr.BrokerTimeout) {
			return verdictRetry
		}
		return verdictPermanent
	default:
		return verdictPermanent
	}
}

// permanentErr converts the terminal relay error for msg into the error the
// application sees. A dead handshake queue surfaces CONN NOT_AVAILABLE on
// the side that created the connection and CONN NOT_ACCEPTED on the side
// that joined it; REPLY and application payloads pass the relay error
// through untouched.
func permanentErr(err error, kind domain.AgentMsgKind, initiator bool) error {
	var e *agenterr.Err
	if !errors.As(err, &e) || e.Kind != "SMP" || (e.Code != "AUTH" && e.Code != "QUOTA") {
		return err
	}
	switch {
	case kind.IsConnInfo():
		return agenterr.Conn(agenterr.ConnNotAvailable)
	case kind == domain.MsgHello:
		if initiator {
			return agenterr.Conn(agenterr.ConnNotAvailable)
		}
		return agenterr.Conn(agenterr.ConnNotAccepted)
	default:
		return err
	}
}
