package relay

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/wilsonzlin/aero/proxy/signaling-relay/internal/coordinator"
)

const messageCoordinatorNotRunning = "coordinator not running"

// Translate turns a failed exchange into the error frame for sessionID.
// Every error maps to exactly one coordinator.Kind.
func Translate(err error, sessionID string) ErrorMessage {
	msg := ErrorMessage{Type: MessageTypeError, SessionID: sessionID}

	switch coordinator.Classify(err) {
	case coordinator.KindUnreachable:
		msg.Message = messageCoordinatorNotRunning
	case coordinator.KindUpstreamStatus:
		var statusErr *coordinator.StatusError
		errors.As(err, &statusErr)
		msg.Message = fmt.Sprintf("coordinator error: %d", statusErr.StatusCode)
	default:
		msg.Message = failureDetail(err)
	}
	return msg
}

// failureDetail strips the *url.Error wrapper so clients see the cause
// ("context deadline exceeded") and not the coordinator's internal URL.
func failureDetail(err error) string {
	if err == nil {
		return "unknown error"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		return urlErr.Err.Error()
	}
	return err.Error()
}
