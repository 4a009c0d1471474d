// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Wrap with fmt.Errorf("...: %w", err) and test with errors.Is.
var (
	// Buffer access errors
	ErrBounds         = errors.New("dissect: read beyond reported length")
	ErrReportedBounds = errors.New("dissect: read beyond captured length")

	// Dissector errors
	ErrContractViolation = errors.New("dissect: dissector contract violation")
	ErrFraming           = errors.New("dissect: PDU length shorter than fixed header")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("dissect: packet too short")
	ErrUnsupportedProto = errors.New("dissect: unsupported protocol")

	// Reassembly errors
	ErrReassemblyLimit = errors.New("dissect: fragment reassembly limit exceeded")

	// Registry and plugin errors
	ErrDuplicateInterface = errors.New("dissect: interface already registered")
	ErrPluginNotFound     = errors.New("dissect: plugin not found")
	ErrPluginInitFailed   = errors.New("dissect: plugin init failed")

	// Configuration errors
	ErrConfigInvalid = errors.New("dissect: invalid configuration")
)

// IsRecoverable reports whether err only invalidates the section being decoded.
// Truncated captures are recoverable; everything else stops the PDU.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrReportedBounds)
}
