package flatstorage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flatHeadHeightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flat_storage_head_height",
		Help: "Height of the flat storage head per shard.",
	}, []string{"shard"})
	flatStorageCreationFetchedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flat_storage_creation_fetched_entries_total",
		Help: "Entries copied from the trie during flat storage creation.",
	}, []string{"shard"})
	inlinedValuesCount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flat_storage_inlined_values_total",
		Help: "Flat state values rewritten from reference to inline form.",
	})
)
