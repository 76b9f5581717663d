package lowkeydb

import "github.com/lowkeydb/lowkeydb/errs"

// Re-exported sentinel errors: the public error taxonomy, checked with
// errors.Is. Defined once in errs and aliased here for ergonomics, so
// callers only need to import the root package.
var (
	ErrInvalidMagicNumber  = errs.ErrInvalidMagicNumber
	ErrUnsupportedVersion  = errs.ErrUnsupportedVersion
	ErrInvalidPageSize     = errs.ErrInvalidPageSize
	ErrIO                  = errs.ErrIO
	ErrCorruptDatabase     = errs.ErrCorruptDatabase
	ErrKeyNotFound         = errs.ErrKeyNotFound
	ErrKeyTooLarge         = errs.ErrKeyTooLarge
	ErrValueTooLarge       = errs.ErrValueTooLarge
	ErrTransactionConflict = errs.ErrTransactionConflict
	ErrInvalidTransaction  = errs.ErrInvalidTransaction
	ErrNoEvictablePage     = errs.ErrNoEvictablePage
	ErrOutOfMemory         = errs.ErrOutOfMemory
	ErrInvalidState        = errs.ErrInvalidState
)
