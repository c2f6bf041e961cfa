package codec

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"KwrapLedger/internal/state"
)

// UserAccountSize is the wrapper's user record without discriminator.
const UserAccountSize = 2168

// state.UserAccount spells out every padding byte, so its in-memory size
// equals its wire size.
var (
	_ [UserAccountSize - unsafe.Sizeof(state.UserAccount{})]byte
	_ [unsafe.Sizeof(state.UserAccount{}) - UserAccountSize]byte
	_ [8 - unsafe.Alignof(state.UserAccount{})]byte
	_ [unsafe.Alignof(state.UserAccount{}) - 8]byte
)

// EncodeUserAccount serializes acct with its discriminator.
func EncodeUserAccount(acct *state.UserAccount) []byte {
	buf := make([]byte, 0, DiscriminatorSize+UserAccountSize)
	buf = append(buf, UserAccountDiscriminator[:]...)
	buf, err := binary.Append(buf, binary.LittleEndian, acct)
	if err != nil {
		// fixed-size struct
		panic(fmt.Sprintf("FATAL: encode user account: %v", err))
	}
	return buf
}

// DecodeUserAccount parses a user record including its discriminator.
func DecodeUserAccount(raw []byte) (*state.UserAccount, error) {
	d, body, err := StripDiscriminator(raw)
	if err != nil {
		return nil, err
	}
	if d != UserAccountDiscriminator {
		return nil, fmt.Errorf("%w: discriminator %x is not a user account", ErrMalformedRecord, d[:])
	}
	if err := requireLen("user account", body, UserAccountSize); err != nil {
		return nil, err
	}

	var acct state.UserAccount
	if _, err := binary.Decode(body[:UserAccountSize], binary.LittleEndian, &acct); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return &acct, nil
}

// IsUserAccount reports whether raw carries the user record discriminator.
func IsUserAccount(raw []byte) bool {
	d, _, err := StripDiscriminator(raw)
	return err == nil && d == UserAccountDiscriminator
}
