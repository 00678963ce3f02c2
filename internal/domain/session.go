// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrEmptyDeviceID = errors.New("device id empty")

type (
	DeviceID    string
	SessionID   string
	RequesterID string
)

// Session is a short-lived grant letting one requester listen to one device.
// Immutable after issuance; it only ever dies (expiry sweep or explicit stop).
type Session struct {
	ID          SessionID
	DeviceID    DeviceID
	Token       string
	RequesterID RequesterID
	ExpiresAt   time.Time
}

// NewSession is a tiny helper to avoid ad-hoc struct literals in the store.
func NewSession(device DeviceID, requester RequesterID, expiresAt time.Time) (*Session, error) {
	if device == "" {
		return nil, ErrEmptyDeviceID
	}
	return &Session{
		ID:          SessionID(uuid.NewString()),
		DeviceID:    device,
		Token:       uuid.NewString(),
		RequesterID: requester,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}
