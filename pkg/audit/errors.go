package audit

import "fmt"

// StoreError is a typed store failure carrying a stable machine code.
type StoreError struct {
	Code    string
	Message string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches two StoreErrors by code so sentinel comparisons via errors.Is
// survive wrapping with contextual messages.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	return ok && t.Code == e.Code
}

// Stable audit error codes.
var (
	ErrLogSealed           = &StoreError{Code: "ERR_LOG_SEALED", Message: "audit log is sealed"}
	ErrChainMismatch       = &StoreError{Code: "ERR_CHAIN_MISMATCH", Message: "entry previous hash does not match log head"}
	ErrContentHashMismatch = &StoreError{Code: "ERR_CONTENT_HASH_MISMATCH", Message: "entry content hash does not match recomputation"}
	ErrSequenceGap         = &StoreError{Code: "ERR_SEQUENCE_GAP", Message: "entry sequence is not contiguous with log head"}
	ErrEntryNotFound       = &StoreError{Code: "ERR_ENTRY_NOT_FOUND", Message: "audit entry not found"}
	ErrAlgorithmMismatch   = &StoreError{Code: "ERR_ALGORITHM_MISMATCH", Message: "entry hash algorithm differs from log algorithm"}
)

func sealedErr(key LogKey) error {
	return fmt.Errorf("append to %s/%s/%s: %w", key.TenantID, key.Scope, key.ScopeID, ErrLogSealed)
}
