// Package codec maps fixed-layout ledger records onto Go values.
//
// Venue records (Obligation, Reserve) are read as zero-copy views over the
// caller's buffer. Every field of a view is a byte array, so views have
// alignment 1 and can sit at any offset. 128-bit scaled fields are kept as
// little-endian [16]byte and widened with U128 only when read.
//
// Record sizes are asserted at compile time. A layout change that moves any
// size fails the build instead of misreading data.
package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// DiscriminatorSize is the length of the leading account type tag.
const DiscriminatorSize = 8

// ErrMalformedRecord is returned for buffers that cannot hold the record.
// Reading a malformed record is fatal for the operation that needed it.
var ErrMalformedRecord = errors.New("malformed record")

// Discriminator is the 8-byte account type tag.
type Discriminator [DiscriminatorSize]byte

// AccountDiscriminator returns the tag for an account type name,
// sha256("account:<name>")[:8].
func AccountDiscriminator(name string) Discriminator {
	sum := sha256.Sum256([]byte("account:" + name))
	var d Discriminator
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

var (
	UserAccountDiscriminator = AccountDiscriminator("UserAccount")
	ObligationDiscriminator  = AccountDiscriminator("Obligation")
	ReserveDiscriminator     = AccountDiscriminator("Reserve")
)

// StripDiscriminator splits raw account data into its tag and body.
func StripDiscriminator(raw []byte) (Discriminator, []byte, error) {
	var d Discriminator
	if len(raw) < DiscriminatorSize {
		return d, nil, fmt.Errorf("%w: %d bytes is shorter than the discriminator", ErrMalformedRecord, len(raw))
	}
	copy(d[:], raw[:DiscriminatorSize])
	return d, raw[DiscriminatorSize:], nil
}

// U128 widens a little-endian 128-bit field.
func U128(b [16]byte) *uint256.Int {
	return &uint256.Int{
		binary.LittleEndian.Uint64(b[0:8]),
		binary.LittleEndian.Uint64(b[8:16]),
		0,
		0,
	}
}

// PutU128 writes the low 128 bits of v little-endian.
func PutU128(dst *[16]byte, v *uint256.Int) {
	binary.LittleEndian.PutUint64(dst[0:8], v[0])
	binary.LittleEndian.PutUint64(dst[8:16], v[1])
}

func u64(b [8]byte) uint64 {
	return binary.LittleEndian.Uint64(b[:])
}

func putU64(dst *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(dst[:], v)
}

func requireLen(kind string, data []byte, size int) error {
	if len(data) < size {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformedRecord, kind, size, len(data))
	}
	return nil
}
