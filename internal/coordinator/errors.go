package coordinator

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// StatusError reports a coordinator reply with a non-2xx status.
type StatusError struct {
	StatusCode int
	// Body holds at most maxErrorBodyBytes of the response, for logging.
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator responded with status %d", e.StatusCode)
}

var errInvalidReply = errors.New("coordinator reply is not valid JSON")

// Kind is the failure class of an exchange.
type Kind int

const (
	// KindTransportFailure covers timeouts, resets, malformed replies and
	// anything else not classified below.
	KindTransportFailure Kind = iota
	// KindUnreachable means the coordinator could not be connected to at all.
	KindUnreachable
	// KindUpstreamStatus means the coordinator answered with a non-success
	// status.
	KindUpstreamStatus
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindUpstreamStatus:
		return "upstream_status"
	default:
		return "transport_failure"
	}
}

// Classify maps any exchange error to exactly one Kind.
func Classify(err error) Kind {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return KindUpstreamStatus
	}
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return KindUnreachable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && !dnsErr.IsTimeout {
		return KindUnreachable
	}
	return KindTransportFailure
}
