// Package pool implements the sharded transaction pool: one insertion
// ordered pool per ShardUID, resharded when the shard layout changes.
package pool

import (
	"container/list"

	"github.com/shardlabs/tessera/consensus-types/blocks"
	"github.com/shardlabs/tessera/consensus-types/primitives"
	"github.com/shardlabs/tessera/consensus-types/shardlayout"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "pool")

// InsertResult reports the outcome of a pool insertion.
type InsertResult int

const (
	// InsertSuccess - the transaction was added.
	InsertSuccess InsertResult = iota
	// InsertDuplicate - the pool already holds the transaction.
	InsertDuplicate
	// InsertNoSpaceLeft - the pool is at its size limit.
	InsertNoSpaceLeft
)

// TransactionPool is one shard's pool. Iteration follows insertion order;
// a transaction reintroduced after removal goes to the back.
type TransactionPool struct {
	order *list.List
	byKey map[[32]byte]*list.Element
	limit int
}

// NewTransactionPool builds a pool bounded at limit transactions.
func NewTransactionPool(limit int) *TransactionPool {
	return &TransactionPool{
		order: list.New(),
		byKey: make(map[[32]byte]*list.Element),
		limit: limit,
	}
}

// Insert adds a transaction.
func (p *TransactionPool) Insert(tx *blocks.SignedTransaction) InsertResult {
	key := tx.Hash()
	if _, ok := p.byKey[key]; ok {
		return InsertDuplicate
	}
	if p.order.Len() >= p.limit {
		return InsertNoSpaceLeft
	}
	p.byKey[key] = p.order.PushBack(tx)
	return InsertSuccess
}

// Remove drops the given transactions from the pool where present.
func (p *TransactionPool) Remove(txs []*blocks.SignedTransaction) {
	for _, tx := range txs {
		if el, ok := p.byKey[tx.Hash()]; ok {
			p.order.Remove(el)
			delete(p.byKey, tx.Hash())
		}
	}
}

// Reintroduce puts transactions back, skipping duplicates and respecting
// the size limit. Returns how many were actually inserted.
func (p *TransactionPool) Reintroduce(txs []*blocks.SignedTransaction) int {
	inserted := 0
	for _, tx := range txs {
		if p.Insert(tx) == InsertSuccess {
			inserted++
		}
	}
	return inserted
}

// Len is the number of pooled transactions.
func (p *TransactionPool) Len() int {
	return p.order.Len()
}

// Transactions snapshots the pool in iteration order.
func (p *TransactionPool) Transactions() []*blocks.SignedTransaction {
	out := make([]*blocks.SignedTransaction, 0, p.order.Len())
	for el := p.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*blocks.SignedTransaction))
	}
	return out
}

// Contains reports whether the pool holds the transaction.
func (p *TransactionPool) Contains(tx *blocks.SignedTransaction) bool {
	_, ok := p.byKey[tx.Hash()]
	return ok
}

// Iterator walks the pool in insertion order without removing entries.
type Iterator struct {
	next *list.Element
}

// Iterator returns a pool iterator.
func (p *TransactionPool) Iterator() *Iterator {
	return &Iterator{next: p.order.Front()}
}

// Next returns the next transaction, or nil when exhausted.
func (i *Iterator) Next() *blocks.SignedTransaction {
	if i.next == nil {
		return nil
	}
	tx := i.next.Value.(*blocks.SignedTransaction)
	i.next = i.next.Next()
	return tx
}

// ShardedTransactionPool routes transactions to per-shard pools by the
// signer's account under the current shard layout.
type ShardedTransactionPool struct {
	pools     map[primitives.ShardUID]*TransactionPool
	poolLimit int
}

// NewShardedTransactionPool builds an empty sharded pool; per-shard pools
// are created lazily.
func NewShardedTransactionPool(poolLimit int) *ShardedTransactionPool {
	return &ShardedTransactionPool{
		pools:     make(map[primitives.ShardUID]*TransactionPool),
		poolLimit: poolLimit,
	}
}

func (s *ShardedTransactionPool) pool(shard primitives.ShardUID) *TransactionPool {
	p, ok := s.pools[shard]
	if !ok {
		p = NewTransactionPool(s.poolLimit)
		s.pools[shard] = p
	}
	return p
}

// Insert adds a transaction to its shard's pool.
func (s *ShardedTransactionPool) Insert(shard primitives.ShardUID, tx *blocks.SignedTransaction) InsertResult {
	return s.pool(shard).Insert(tx)
}

// Remove drops transactions from a shard's pool.
func (s *ShardedTransactionPool) Remove(shard primitives.ShardUID, txs []*blocks.SignedTransaction) {
	s.pool(shard).Remove(txs)
}

// Reintroduce puts transactions back into a shard's pool, returning the
// number inserted.
func (s *ShardedTransactionPool) Reintroduce(shard primitives.ShardUID, txs []*blocks.SignedTransaction) int {
	return s.pool(shard).Reintroduce(txs)
}

// Iterator returns an iterator over a shard's pool, or nil when the pool
// does not exist.
func (s *ShardedTransactionPool) Iterator(shard primitives.ShardUID) *Iterator {
	p, ok := s.pools[shard]
	if !ok {
		return nil
	}
	return p.Iterator()
}

// PoolFor exposes a shard's pool for inspection.
func (s *ShardedTransactionPool) PoolFor(shard primitives.ShardUID) *TransactionPool {
	return s.pool(shard)
}

// Reshard splits every old-layout pool's transactions into the new layout
// by routing each transaction through its signer's shard under the new
// layout. Transactions mapping to the same pool coalesce; ordering within
// a pool is not preserved.
func (s *ShardedTransactionPool) Reshard(oldLayout, newLayout *shardlayout.Layout) {
	if oldLayout.Equal(newLayout) {
		return
	}
	var moved []*blocks.SignedTransaction
	for _, shard := range oldLayout.ShardUIDs() {
		p, ok := s.pools[shard]
		if !ok {
			continue
		}
		moved = append(moved, p.Transactions()...)
		delete(s.pools, shard)
	}
	dropped := 0
	for _, tx := range moved {
		shardID := newLayout.AccountShard(tx.Transaction.SignerID)
		if s.Insert(newLayout.ShardUIDFor(shardID), tx) != InsertSuccess {
			dropped++
		}
	}
	log.WithFields(logrus.Fields{
		"moved":   len(moved),
		"dropped": dropped,
	}).Debug("Resharded transaction pool")
}
