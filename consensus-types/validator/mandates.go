package validator

import (
	"encoding/binary"

	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/crypto/hash"
)

// MandatesConfig parameterizes mandate construction. StakePerMandate is the
// stake backing one whole mandate; the epoch seat price is used today.
type MandatesConfig struct {
	StakePerMandate      *uint256.Int
	MinMandatesPerShard  int
	NumShards            int
}

// Mandates is the deterministic sampling table over the validator set used
// to pick chunk validators per (height, shard). Each validator contributes
// stake/price whole mandates plus at most one partial mandate carrying the
// remainder.
type Mandates struct {
	config   MandatesConfig
	mandates []primitives.ValidatorID
	partials []partialMandate
}

type partialMandate struct {
	id     primitives.ValidatorID
	weight *uint256.Int
}

// NewMandates builds the table from the epoch's validator sequence; a
// validator's position in the slice is its ValidatorID.
func NewMandates(config MandatesConfig, validators []*Stake) *Mandates {
	m := &Mandates{config: config}
	if config.StakePerMandate == nil || config.StakePerMandate.IsZero() {
		return m
	}
	count := new(uint256.Int)
	rem := new(uint256.Int)
	for i, v := range validators {
		count.Div(v.Stake, config.StakePerMandate)
		rem.Mod(v.Stake, config.StakePerMandate)
		n := count.Uint64()
		for j := uint64(0); j < n; j++ {
			m.mandates = append(m.mandates, primitives.ValidatorID(i))
		}
		if !rem.IsZero() {
			m.partials = append(m.partials, partialMandate{
				id:     primitives.ValidatorID(i),
				weight: new(uint256.Int).Set(rem),
			})
		}
	}
	return m
}

// Len returns the number of whole mandates.
func (m *Mandates) Len() int {
	return len(m.mandates)
}

// Sample shuffles the mandate list with the given seed and deals mandates
// round-robin across shards, then does the same for partial mandates. The
// result is one map per shard from validator id to held mandate count
// (partials count as one).
func (m *Mandates) Sample(seed [32]byte) []map[primitives.ValidatorID]uint16 {
	out := make([]map[primitives.ValidatorID]uint16, m.config.NumShards)
	for i := range out {
		out[i] = make(map[primitives.ValidatorID]uint16)
	}
	shuffled := append([]primitives.ValidatorID(nil), m.mandates...)
	shuffleIDs(shuffled, seed)
	for i, id := range shuffled {
		out[i%m.config.NumShards][id]++
	}
	partials := append([]partialMandate(nil), m.partials...)
	shufflePartials(partials, hash.Hash(seed[:]))
	for i, p := range partials {
		out[i%m.config.NumShards][p.id]++
	}
	return out
}

// rng is a small deterministic generator: a sha256 chain over the seed.
type rng struct {
	state [32]byte
	off   int
}

func (r *rng) next() uint64 {
	if r.off+8 > len(r.state) {
		r.state = hash.Hash(r.state[:])
		r.off = 0
	}
	v := binary.LittleEndian.Uint64(r.state[r.off : r.off+8])
	r.off += 8
	return v
}

func shuffleIDs(ids []primitives.ValidatorID, seed [32]byte) {
	r := &rng{state: seed}
	for i := len(ids) - 1; i > 0; i-- {
		j := int(r.next() % uint64(i+1))
		ids[i], ids[j] = ids[j], ids[i]
	}
}

func shufflePartials(ps []partialMandate, seed [32]byte) {
	r := &rng{state: seed}
	for i := len(ps) - 1; i > 0; i-- {
		j := int(r.next() % uint64(i+1))
		ps[i], ps[j] = ps[j], ps[i]
	}
}
