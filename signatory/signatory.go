/*
Package signatory computes and encodes the signatory sets that custody the
pegged Bitcoin reserve.

A set is derived deterministically from the sidechain's validator weight
mapping. Its canonical byte encoding is the preimage of the custody script,
so every node (and every signatory worker) must derive the exact same bytes
for the same weights. Nothing in this package may depend on map iteration
order or any other source of nondeterminism.
*/
package signatory

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/nomic-io/nomic-go/errors"
)

const (
	// PubKeyLength is the length of a compressed secp256k1 public key.
	PubKeyLength = 33

	// MaxSignatories caps the set size so the custody script stays well
	// inside Bitcoin's standardness limits (each member costs roughly 41
	// script bytes).
	MaxSignatories = 76
)

// Signatory is one member of a signatory set: a compressed secp256k1 public
// key and the voting power backing it on the sidechain.
type Signatory struct {
	PubKey      []byte
	VotingPower uint64
}

// Validate checks well-formedness of a single entry.
func (s Signatory) Validate() error {
	if len(s.PubKey) != PubKeyLength {
		return errors.Wrapf(errors.ErrInput, "pubkey must be %d bytes, got %d", PubKeyLength, len(s.PubKey))
	}
	if s.VotingPower == 0 {
		return errors.Wrap(errors.ErrInput, "zero voting power")
	}
	return nil
}

// Set is an ordered signatory set. It is immutable once built: a change in
// validator weights produces a new Set with a higher generation, never an
// in-place edit.
type Set struct {
	Generation  uint64
	Signatories []Signatory
}

// Compute derives the signatory set for the given validator weight mapping.
// Map keys are raw compressed secp256k1 public keys (33 bytes, as string).
//
// Zero-power entries are dropped. Members are ordered by descending power,
// ties broken by ascending pubkey bytes, and the set is truncated to
// MaxSignatories. The result is a pure function of the input: identical
// mappings yield bit-identical encodings.
//
// Returns ErrEmptySet when no power remains, which halts checkpoint
// progression until the operator resolves it.
func Compute(weights map[string]uint64, generation uint64) (*Set, error) {
	members := make([]Signatory, 0, len(weights))
	for pubkey, power := range weights {
		if power == 0 {
			continue
		}
		if len(pubkey) != PubKeyLength {
			return nil, errors.Wrapf(errors.ErrInput, "weight key must be a %d byte pubkey, got %d bytes", PubKeyLength, len(pubkey))
		}
		members = append(members, Signatory{
			PubKey:      []byte(pubkey),
			VotingPower: power,
		})
	}
	if len(members) == 0 {
		return nil, errors.Wrap(errors.ErrEmptySet, "validator weights carry no power")
	}

	sort.Slice(members, func(i, j int) bool {
		if members[i].VotingPower != members[j].VotingPower {
			return members[i].VotingPower > members[j].VotingPower
		}
		return bytes.Compare(members[i].PubKey, members[j].PubKey) < 0
	})

	if len(members) > MaxSignatories {
		members = members[:MaxSignatories]
	}

	return &Set{
		Generation:  generation,
		Signatories: members,
	}, nil
}

// Validate checks the set invariants: canonical order, no duplicates, total
// power above zero.
func (s *Set) Validate() error {
	if len(s.Signatories) == 0 {
		return errors.Wrap(errors.ErrEmptySet, "no signatories")
	}
	if len(s.Signatories) > MaxSignatories {
		return errors.Wrapf(errors.ErrInput, "%d signatories exceeds the %d member cap", len(s.Signatories), MaxSignatories)
	}
	for i, sig := range s.Signatories {
		if err := sig.Validate(); err != nil {
			return errors.Wrapf(err, "signatory %d", i)
		}
		if i == 0 {
			continue
		}
		prev := s.Signatories[i-1]
		if sig.VotingPower > prev.VotingPower {
			return errors.Wrapf(errors.ErrInput, "signatory %d out of order", i)
		}
		if sig.VotingPower == prev.VotingPower && bytes.Compare(prev.PubKey, sig.PubKey) >= 0 {
			return errors.Wrapf(errors.ErrInput, "signatory %d out of order", i)
		}
	}
	return nil
}

// TotalPower is the sum of all members' voting power.
func (s *Set) TotalPower() uint64 {
	var total uint64
	for _, sig := range s.Signatories {
		total += sig.VotingPower
	}
	return total
}

// Threshold is the aggregate power required to spend the reserve: two
// thirds of the total (rounded down), never less than one. A spend is
// authorized when accumulated power >= Threshold.
func (s *Set) Threshold() uint64 {
	t := s.TotalPower() * 2 / 3
	if t == 0 {
		t = 1
	}
	return t
}

// Index returns the position of the given pubkey within the set, or -1 if
// it is not a member.
func (s *Set) Index(pubkey []byte) int {
	for i, sig := range s.Signatories {
		if bytes.Equal(sig.PubKey, pubkey) {
			return i
		}
	}
	return -1
}

// PowerOf returns the voting power of the given member, zero for
// non-members.
func (s *Set) PowerOf(pubkey []byte) uint64 {
	if i := s.Index(pubkey); i >= 0 {
		return s.Signatories[i].VotingPower
	}
	return 0
}

// SameMembers reports whether two sets have identical members and powers,
// ignoring the generation. The relay uses this to detect validator weight
// changes that require a custody rotation.
func (s *Set) SameMembers(other *Set) bool {
	if len(s.Signatories) != len(other.Signatories) {
		return false
	}
	for i := range s.Signatories {
		a, b := s.Signatories[i], other.Signatories[i]
		if a.VotingPower != b.VotingPower || !bytes.Equal(a.PubKey, b.PubKey) {
			return false
		}
	}
	return true
}

// Encode produces the canonical byte encoding of the set:
//
//   generation  uint64 big endian
//   count       uint16 big endian
//   per member: voting power uint64 big endian, 33 byte pubkey
//
// Fixed-width big endian integers keep the encoding bit-identical across
// nodes. The custody script commits to these members in this order.
func (s *Set) Encode() []byte {
	var buf bytes.Buffer
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], s.Generation)
	buf.Write(scratch[:])
	binary.BigEndian.PutUint16(scratch[:2], uint16(len(s.Signatories)))
	buf.Write(scratch[:2])

	for _, sig := range s.Signatories {
		binary.BigEndian.PutUint64(scratch[:], sig.VotingPower)
		buf.Write(scratch[:])
		buf.Write(sig.PubKey)
	}
	return buf.Bytes()
}

// Decode parses a canonical set encoding and validates the result.
func Decode(raw []byte) (*Set, error) {
	const header = 8 + 2
	if len(raw) < header {
		return nil, errors.Wrap(errors.ErrMsg, "signatory set encoding too short")
	}
	generation := binary.BigEndian.Uint64(raw[:8])
	count := int(binary.BigEndian.Uint16(raw[8:10]))

	const entry = 8 + PubKeyLength
	if len(raw) != header+count*entry {
		return nil, errors.Wrapf(errors.ErrMsg, "signatory set encoding has %d bytes, want %d", len(raw), header+count*entry)
	}

	set := Set{
		Generation:  generation,
		Signatories: make([]Signatory, count),
	}
	offset := header
	for i := 0; i < count; i++ {
		power := binary.BigEndian.Uint64(raw[offset : offset+8])
		pubkey := make([]byte, PubKeyLength)
		copy(pubkey, raw[offset+8:offset+entry])
		set.Signatories[i] = Signatory{PubKey: pubkey, VotingPower: power}
		offset += entry
	}

	if err := set.Validate(); err != nil {
		return nil, errors.Wrap(err, "decoded signatory set")
	}
	return &set, nil
}
