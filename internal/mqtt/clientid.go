package mqtt

import (
	"github.com/google/uuid"
)

// DefaultClientID returns a client identifier of the form
// "shakenotify-<8 hex digits>". It is generated per process; brokers
// that key sessions on client ID see each restart as a new client.
func DefaultClientID() string {
	return "shakenotify-" + uuid.NewString()[:8]
}

// FeedTopic returns the Adafruit IO style feed topic
// "<account>/feeds/<feedKey>".
func FeedTopic(account, feedKey string) string {
	return account + "/feeds/" + feedKey
}
