package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	blockProducedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "block_produced_total",
		Help: "Blocks produced by this node.",
	})
	chunkProducedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_produced_total",
		Help: "Chunks produced by this node.",
	})
	produceChunkTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "produce_chunk_seconds",
		Help: "Time spent producing one chunk.",
	}, []string{"shard"})
	chunkDroppedBannedProducer = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_dropped_because_of_banned_chunk_producer_total",
		Help: "Chunks excluded from inclusion because their producer is banned.",
	})
	chunkProducerBanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chunk_producer_banned_for_epoch_total",
		Help: "Chunk producers banned for producing an invalid chunk.",
	})
	txReceivedValidator = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transaction_received_validator_total",
		Help: "Transactions received while an active validator for the shard.",
	})
	txReceivedNonValidator = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transaction_received_non_validator_total",
		Help: "Transactions received while not a validator for the shard.",
	})
	txReceivedNonValidatorForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "transaction_received_non_validator_forwarded_total",
		Help: "Forwarded transactions received while not a validator for the shard.",
	})
	gcTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "gc_seconds",
		Help: "Time spent in garbage collection after a head update.",
	})
)
