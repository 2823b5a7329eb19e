package activitylog

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptedJournal indicates a journal line could not be decoded
	ErrCorruptedJournal = errors.New("journal: segment is corrupted")

	// ErrChecksumMismatch indicates a record whose checksum does not match its content
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")

	// ErrJournalClosed indicates an operation on a closed journal
	ErrJournalClosed = errors.New("journal: already closed")
)

// ChecksumError carries the record that failed verification.
type ChecksumError struct {
	Segment  string
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch in %s at seq=%d (expected=0x%08x, got=0x%08x)",
		e.Segment, e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// CorruptionError carries the position of an undecodable record.
type CorruptionError struct {
	Segment string
	Line    int
	Cause   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("journal: corrupted record in %s line %d: %v", e.Segment, e.Line, e.Cause)
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorruptedJournal
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEntry, fmt.Sprintf(format, args...))
}
