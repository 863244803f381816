// Package kmerr defines the error kinds returned by the KMBox client.
//
// Kinds are struct types matched with errors.As; causes are sentinels
// matched with errors.Is.
package kmerr

import (
	"errors"
	"fmt"
)

var (
	ErrBadAddress        = errors.New("invalid appliance address")
	ErrBadToken          = errors.New("invalid pairing token")
	ErrHandshakeRejected = errors.New("handshake rejected by appliance")
	ErrHandshakeTimeout  = errors.New("no handshake reply from appliance")
	ErrNotConnected      = errors.New("session not connected")
	ErrAckTimeout        = errors.New("no acknowledgement from appliance")
	ErrClosed            = errors.New("client closed")
	ErrImageSize         = errors.New("picture buffer has wrong size")
	ErrKeyRange          = errors.New("key code out of range")
	ErrButtonRange       = errors.New("mouse button out of range")
	ErrTooManyKeys       = errors.New("too many keys in keyboard report")
	ErrOutOfRange        = errors.New("value out of range")
)

// ConnError reports a failure to establish or re-establish a session.
type ConnError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("kmbox %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kmbox %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// SendError reports a command that could not be delivered on a session
// believed to be connected.
type SendError struct {
	Cmd string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("kmbox send %s: %v", e.Cmd, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// PayloadError reports an argument the appliance cannot accept.
type PayloadError struct {
	Field string
	Got   int
	Want  int
	Err   error
}

func (e *PayloadError) Error() string {
	if e.Want != 0 {
		return fmt.Sprintf("kmbox %s: %v (got %d, want %d)", e.Field, e.Err, e.Got, e.Want)
	}
	return fmt.Sprintf("kmbox %s: %v (got %d)", e.Field, e.Err, e.Got)
}

func (e *PayloadError) Unwrap() error { return e.Err }
