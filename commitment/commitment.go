// Package commitment computes the merchant commitment that binds an
// off-ledger purchase to the on-ledger payout authorization.
//
// The ledger program recomputes keccak256(pay_mint || merchant || amount_le)
// when a payout is submitted and compares it with the stored hash, so the
// encoding here must match it byte for byte.
package commitment

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"

	"campaignkeeper/ledger"
)

// InputLength is the size of the preimage: two 32 byte identifiers and a
// little-endian u64 amount.
const InputLength = ledger.AccountIDLength*2 + 8

// Digest is the 32 byte commitment.
type Digest [32]byte

// Preimage returns the exact bytes that are hashed.
func Preimage(payMint, merchant ledger.AccountID, amount uint64) [InputLength]byte {
	var buf [InputLength]byte
	copy(buf[:ledger.AccountIDLength], payMint[:])
	copy(buf[ledger.AccountIDLength:2*ledger.AccountIDLength], merchant[:])
	binary.LittleEndian.PutUint64(buf[2*ledger.AccountIDLength:], amount)
	return buf
}

// Compute returns keccak256(payMint || merchant || amount_le).
func Compute(payMint, merchant ledger.AccountID, amount uint64) Digest {
	pre := Preimage(payMint, merchant, amount)
	var out Digest
	copy(out[:], crypto.Keccak256(pre[:]))
	return out
}

// IsZero reports whether d is the all-zero digest, which the ledger refuses.
func (d Digest) IsZero() bool {
	return d == Digest{}
}
