package logbroker

import "errors"

var (
	// ErrUnknownProcess is returned when a subscription or query targets a
	// name that is not in the watched set.
	ErrUnknownProcess = errors.New("unknown process")
	// ErrInvalidFilterPattern is returned when a filter update carries a
	// malformed regex. The previous filter is left untouched.
	ErrInvalidFilterPattern = errors.New("invalid filter pattern")
	// ErrConnectionBackpressure is the close reason of a connection whose send
	// queue overflowed.
	ErrConnectionBackpressure = errors.New("connection send queue overflow")
	// ErrUnknownConnection is returned for operations on a closed or never
	// opened connection ID.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrUnauthenticated is returned when an unauthenticated connection tries
	// to subscribe.
	ErrUnauthenticated = errors.New("connection not authenticated")
	// ErrProcessWatched is returned by Forget for names that are still alive.
	ErrProcessWatched = errors.New("process is still watched")
	// ErrBrokerClosed is the close reason of connections torn down by Cleanup.
	ErrBrokerClosed = errors.New("broker closed")
)
