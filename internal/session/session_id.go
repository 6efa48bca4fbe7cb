package session

import (
	"crypto/rand"
	"strconv"
	"time"

	"github.com/mr-tron/base58"
)

const sessionIDRandomBytes = 6

// newSessionID returns "<unix millis>-<base58 suffix>". The timestamp keeps ids
// from different milliseconds apart; the random suffix separates connections
// accepted within the same millisecond.
func newSessionID(now time.Time) (string, error) {
	var buf [sessionIDRandomBytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + base58.Encode(buf[:]), nil
}
