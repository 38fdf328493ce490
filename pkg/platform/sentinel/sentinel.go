package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, brokers and caches return
// these (optionally wrapped) so services can translate them into domain errors.
//
//   - ErrNotFound: event, alert, lease or dead-letter entry does not exist
//   - ErrConflict: write collided with an existing row (idempotency key, alert id)
//   - ErrInvalidState: entity in the wrong state for the requested operation
//   - ErrUnavailable: broker, store, cache or KMS temporarily unreachable
//   - ErrLeaseExpired: a lease was acked or nacked after its visibility timeout
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
	ErrLeaseExpired = errors.New("lease expired")
)
