package correlator

import "github.com/google/uuid"

// newMessageID mints an id for outbound bus items.
func newMessageID() string {
	return uuid.NewString()
}
