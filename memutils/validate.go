package memutils

// Validatable is implemented by the ledgers that can check their own invariants, so that
// DebugValidate can act on any of them
type Validatable interface {
	Validate() error
}
