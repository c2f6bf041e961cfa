package ledger

import (
	"github.com/gagliardetto/solana-go"
)

// Invocation is the execution context a transition runs in. The collaborator
// that sees the call stack fills it in; the ledger never looks it up.
type Invocation struct {
	// Program (or signer) that invoked the transition.
	Caller        solana.PublicKey
	Slot          uint64
	UnixTimestamp int64
}

// ValidateTrustedCaller fails with ErrCallerNotTrusted unless caller is the
// trusted host program.
func ValidateTrustedCaller(caller, trusted solana.PublicKey) error {
	if trusted.IsZero() || !caller.Equals(trusted) {
		return ErrCallerNotTrusted
	}
	return nil
}
