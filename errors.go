package minibase

import "errors"

var (
	ErrChecksumMismatch = errors.New("block checksum mismatch")
	ErrTruncatedBlock   = errors.New("block truncated")
	ErrCorruptIndex     = errors.New("corrupt block index")
	ErrCorruptBlock     = errors.New("corrupt block")
	ErrCorruptFile      = errors.New("corrupt disk file")
	ErrRecordTooLarge   = errors.New("record exceeds block size limit")
)
