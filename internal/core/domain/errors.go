package domain

import "errors"

var (
	ErrChannelNotOpen    = errors.New("signaling channel is not open")
	ErrSpaceNotFound     = errors.New("space not found")
	ErrSpaceClosed       = errors.New("space is closed")
	ErrSpaceExists       = errors.New("space already running")
	ErrMissingRoot       = errors.New("space root and self must be defined")
	ErrNodeNotFound      = errors.New("node not found")
	ErrPeerClosed        = errors.New("peer is closed")
	ErrInvalidTransition = errors.New("invalid peer state transition")
	ErrNoCandidate       = errors.New("no suitable peer to attach to")
	ErrNotAuthorized     = errors.New("sender is not allowed to moderate")
	ErrInvalidEvent      = errors.New("invalid event")
	ErrInvalidSignature  = errors.New("invalid event signature")
	ErrRelayClosed       = errors.New("relay is closed")
	ErrNoRelays          = errors.New("no relay accepted the event")
)
