// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with context and match with errors.Is.
var (
	// Header and parameter decoding errors
	ErrTruncatedHeader = errors.New("pusgate: truncated header")
	ErrBufferUnderrun  = errors.New("pusgate: buffer underrun")
	ErrUnsupportedType = errors.New("pusgate: unsupported parameter type")

	// Schema resolution errors
	ErrSchemaNotFound = errors.New("pusgate: schema not found")
	ErrSchemaInvalid  = errors.New("pusgate: invalid schema")

	// Command building errors
	ErrOutOfRange   = errors.New("pusgate: value out of range")
	ErrInvalidAlias = errors.New("pusgate: invalid alias")
	ErrEncode       = errors.New("pusgate: encode failed")

	// Framing errors
	ErrCRCMismatch    = errors.New("pusgate: crc mismatch")
	ErrPacketTooLarge = errors.New("pusgate: packet exceeds maximum size")

	// Pool and storage errors
	ErrPoolNotFound      = errors.New("pusgate: pool not found")
	ErrPoolAlreadyExists = errors.New("pusgate: pool already exists")
	ErrPoolClosed        = errors.New("pusgate: pool closed")
	ErrPoolReadOnly      = errors.New("pusgate: pool is read-only")

	// Configuration errors
	ErrConfigInvalid = errors.New("pusgate: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("pusgate: daemon not running")
)
