package pager

import "github.com/lowkeydb/lowkeydb/errs"

// Re-exported for convenience within the package; callers outside the
// module should match against errs.Err* via errors.Is.
var (
	ErrInvalidMagic       = errs.ErrInvalidMagicNumber
	ErrUnsupportedVersion = errs.ErrUnsupportedVersion
	ErrInvalidPageSize    = errs.ErrInvalidPageSize
	ErrIO                 = errs.ErrIO
	ErrCorrupt            = errs.ErrCorruptDatabase
)
