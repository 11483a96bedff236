package domain

import "errors"

// Domain-level errors for party behaviors
var (
	ErrEmptyMessage   = errors.New("party: empty message")
	ErrMessageTooLong = errors.New("party: message exceeds maximum length")
	ErrNoParty        = errors.New("party: no active party")
	ErrAlreadyInParty = errors.New("party: already joining or joined a party")
	ErrNotHost        = errors.New("party: caller is not the host")
)
