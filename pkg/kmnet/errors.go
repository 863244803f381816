package kmnet

import "kmnet/internal/kmerr"

// Error kinds. Match them with errors.As.
type (
	ConnError    = kmerr.ConnError
	SendError    = kmerr.SendError
	PayloadError = kmerr.PayloadError
)

// Causes. Match them with errors.Is.
var (
	ErrBadAddress        = kmerr.ErrBadAddress
	ErrBadToken          = kmerr.ErrBadToken
	ErrHandshakeRejected = kmerr.ErrHandshakeRejected
	ErrHandshakeTimeout  = kmerr.ErrHandshakeTimeout
	ErrNotConnected      = kmerr.ErrNotConnected
	ErrAckTimeout        = kmerr.ErrAckTimeout
	ErrClosed            = kmerr.ErrClosed
	ErrImageSize         = kmerr.ErrImageSize
	ErrKeyRange          = kmerr.ErrKeyRange
	ErrButtonRange       = kmerr.ErrButtonRange
	ErrTooManyKeys       = kmerr.ErrTooManyKeys
	ErrOutOfRange        = kmerr.ErrOutOfRange
)
