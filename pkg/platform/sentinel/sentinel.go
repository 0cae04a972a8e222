package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and adapters return
// these (optionally wrapped) so services can translate them into domain
// errors without depending on the storage technology.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: insert violated a uniqueness constraint
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: backing service temporarily unreachable
//
// For validation errors (bad input, missing fields), use pkg/domain-errors.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
