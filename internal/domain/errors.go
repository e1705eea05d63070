package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
	ErrInvalidInput  = errors.New("invalid input")

	// Decode-time. The log is skipped and reported.
	ErrUnknownEventKind = errors.New("unknown event kind")
	ErrInvalidEvent     = errors.New("invalid event")

	// Store-time. Only raised when an existing id carries different contents.
	ErrDuplicateEvent = errors.New("duplicate event")

	// Projector-time warnings. The raw record is kept and the aggregate
	// mutation is skipped.
	ErrOrphanEvent     = errors.New("orphan event")
	ErrDuplicateMarket = errors.New("duplicate market")
	ErrDuplicateTrade  = errors.New("duplicate trade")
	ErrTerminalMarket  = errors.New("market already terminal")

	// Permanent store-time. The database refuses the values themselves, so
	// retrying cannot help and the unit is audited and skipped.
	ErrDataRejected = errors.New("data rejected by storage")

	// Transient. The whole unit of work is retried.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsWarning reports whether err is a non-fatal projector outcome.
func IsWarning(err error) bool {
	return errors.Is(err, ErrOrphanEvent) ||
		errors.Is(err, ErrDuplicateMarket) ||
		errors.Is(err, ErrDuplicateTrade) ||
		errors.Is(err, ErrTerminalMarket)
}

// IsDecodeError reports whether err means the log can never be decoded.
func IsDecodeError(err error) bool {
	return errors.Is(err, ErrUnknownEventKind) || errors.Is(err, ErrInvalidEvent)
}
