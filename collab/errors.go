package collab

import "errors"

// Error taxonomy for the collaboration engine (spec §7). These are kinds,
// not HTTP status codes; transport and pull-mode layers map them to the
// wire `code` field of spec §6.1/§6.2.
var (
	// ErrInvalidPosition: the operation's position or range falls outside
	// the text it is checked against. Hub.Submit clips such an operation
	// instead of returning this; a batch reports it per element.
	ErrInvalidPosition = errors.New("INVALID_POSITION")

	// ErrInvalidType: the operation is structurally malformed: its type
	// isn't one of INSERT/DELETE/RETAIN, an INSERT has empty content, a
	// DELETE has a non-positive length, or a submit has no author.
	ErrInvalidType = errors.New("INVALID_TYPE")

	// ErrStaleBase: base_version is older than the document's retained
	// floor; the client must resync before submitting again.
	ErrStaleBase = errors.New("STALE_BASE")

	// ErrOverloaded: the Hub's inbound queue is full.
	ErrOverloaded = errors.New("OVERLOADED")

	// ErrUnknownDocument: no Hub exists or can be created for the given
	// document id.
	ErrUnknownDocument = errors.New("UNKNOWN_DOCUMENT")

	// ErrSessionClosed: the session has already left or been idle-GC'd.
	ErrSessionClosed = errors.New("SESSION_CLOSED")

	// ErrStoreUnavailable: OperationStore.Append failed; nothing was
	// appended to History.
	ErrStoreUnavailable = errors.New("STORE_UNAVAILABLE")

	// ErrInternal: a transformer output violated an invariant in a way
	// that indicates a bug, not a client error.
	ErrInternal = errors.New("INTERNAL")
)
