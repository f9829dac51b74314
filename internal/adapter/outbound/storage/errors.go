package storage

import "errors"

var (
	// ErrCorrupted signals a checksum mismatch, a malformed record, or a
	// bucket index entry referencing a missing policy file — always
	// surfaced as DATABASE_CORRUPTED up the stack (§6, §7 band 4).
	ErrCorrupted = errors.New("storage: database corrupted")
	// ErrLocked is returned when the cross-process database lock cannot
	// be acquired.
	ErrLocked = errors.New("storage: failed to acquire database lock")
)
