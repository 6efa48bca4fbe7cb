package relay

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	MessageTypeError = "error"

	fieldSessionID = "sessionId"
	fieldType      = "type"
)

// ErrorMessage is the frame sent to a client when its exchange failed.
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// Message is an inbound frame after it has been stamped with its session id.
// Body is what gets posted to the coordinator.
type Message struct {
	SessionID string
	Type      string
	Body      []byte
}

// parseFrame reports whether frame is a JSON object and returns its "type"
// field, if any.
func parseFrame(frame []byte) (msgType string, ok bool) {
	if !gjson.ValidBytes(frame) {
		return "", false
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return "", false
	}
	return root.Get(fieldType).String(), true
}

// stampSessionID sets sessionId on a JSON object frame. Client-supplied
// sessionId fields are removed first, duplicates included, so the relay's
// value is the only one the coordinator sees. Other fields are left byte for
// byte as the client sent them.
func stampSessionID(frame []byte, sessionID string) ([]byte, error) {
	out := frame
	for gjson.GetBytes(out, fieldSessionID).Exists() {
		var err error
		out, err = sjson.DeleteBytes(out, fieldSessionID)
		if err != nil {
			return nil, err
		}
	}
	return sjson.SetBytes(out, fieldSessionID, sessionID)
}
