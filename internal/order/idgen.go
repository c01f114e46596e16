package order

import (
	"encoding/hex"

	"github.com/google/uuid"
)

func NewOrderID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// NewClientOrderID returns a 16-byte 0x-hex correlation id, the cloid
// format the venue accepts.
func NewClientOrderID() string {
	id := NewOrderID()
	return "0x" + hex.EncodeToString(id[:])
}
