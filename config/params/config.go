// Package params defines the protocol configuration of the chain and the
// runtime configuration of the client. Protocol constants live in a
// process-wide Config so that feature activation can be looked up by any
// package; per-node knobs live in ClientConfig and are passed explicitly.
package params

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/shardlabs/tessera/consensus-types/primitives"
)

// Config holds the protocol-level constants for one chain.
type Config struct {
	// CompiledProtocolVersion is the newest protocol version this binary
	// understands. Producing a block in an epoch with a newer version is a
	// fatal error: the operator must upgrade.
	CompiledProtocolVersion primitives.ProtocolVersion

	// Feature activation versions. A feature is on in an epoch iff the
	// epoch's protocol version is >= the activation version.
	ChunkOnlyProducersVersion  primitives.ProtocolVersion
	FixStakingThresholdVersion primitives.ProtocolVersion
	ChunkValidationVersion     primitives.ProtocolVersion

	// Economics per protocol version are flat in this config; the accessor
	// methods keep call sites version-explicit so a future split stays
	// mechanical.
	GasPriceAdjustmentRateNumerator   uint64
	GasPriceAdjustmentRateDenominator uint64
	MinGasPrice                       *uint256.Int
	MaxGasPrice                       *uint256.Int

	// TransactionValidityPeriod is the number of blocks a transaction's
	// anchor block may be behind the chain head.
	TransactionValidityPeriod primitives.BlockHeightDelta

	// TxRoutingHeightHorizon is how many upcoming heights are considered
	// when deciding whether this node is an active chunk producer and when
	// picking forwarding targets.
	TxRoutingHeightHorizon primitives.BlockHeightDelta
}

// GasPriceAdjustmentRate returns the rate for a protocol version.
func (c *Config) GasPriceAdjustmentRate(_ primitives.ProtocolVersion) (uint64, uint64) {
	return c.GasPriceAdjustmentRateNumerator, c.GasPriceAdjustmentRateDenominator
}

// MinGasPriceFor returns the minimum gas price for a protocol version.
func (c *Config) MinGasPriceFor(_ primitives.ProtocolVersion) *uint256.Int {
	return c.MinGasPrice
}

// MaxGasPriceFor returns the maximum gas price for a protocol version.
func (c *Config) MaxGasPriceFor(_ primitives.ProtocolVersion) *uint256.Int {
	return c.MaxGasPrice
}

// ChunkOnlyProducersEnabled reports whether chunk-only producer seats are
// active at the given protocol version.
func (c *Config) ChunkOnlyProducersEnabled(v primitives.ProtocolVersion) bool {
	return v >= c.ChunkOnlyProducersVersion
}

// FixStakingThresholdEnabled reports whether the corrected seat price
// formula is active at the given protocol version.
func (c *Config) FixStakingThresholdEnabled(v primitives.ProtocolVersion) bool {
	return v >= c.FixStakingThresholdVersion
}

// ChunkValidationEnabled reports whether validator mandates are constructed
// at the given protocol version.
func (c *Config) ChunkValidationEnabled(v primitives.ProtocolVersion) bool {
	return v >= c.ChunkValidationVersion
}

var shardConfig = MainnetConfig()

// ShardConfig retrieves the process-wide protocol configuration.
func ShardConfig() *Config {
	return shardConfig
}

// OverrideShardConfig replaces the process-wide configuration. Tests use
// this together with a deferred restore.
func OverrideShardConfig(c *Config) {
	shardConfig = c
}

// MainnetConfig returns the production protocol configuration.
func MainnetConfig() *Config {
	return &Config{
		CompiledProtocolVersion:           63,
		ChunkOnlyProducersVersion:         44,
		FixStakingThresholdVersion:        49,
		ChunkValidationVersion:            62,
		GasPriceAdjustmentRateNumerator:   1,
		GasPriceAdjustmentRateDenominator: 100,
		MinGasPrice:                       uint256.NewInt(100_000_000),
		MaxGasPrice:                       uint256.MustFromDecimal("10000000000000000000000"),
		TransactionValidityPeriod:         86_400,
		TxRoutingHeightHorizon:            4,
	}
}

// MinimalTestConfig returns a configuration with every feature active,
// suitable for unit tests.
func MinimalTestConfig() *Config {
	c := MainnetConfig()
	c.ChunkOnlyProducersVersion = 0
	c.FixStakingThresholdVersion = 0
	c.ChunkValidationVersion = 0
	c.TransactionValidityPeriod = 100
	return c
}

// AdvProduceBlocksMode controls adversarial block production. It should be
// enabled only to test disruptive behaviour on chain.
type AdvProduceBlocksMode int

const (
	// AdvProduceBlocksOff disables adversarial production.
	AdvProduceBlocksOff AdvProduceBlocksMode = iota
	// AdvProduceBlocksOnlyValid skips the known-height check but keeps
	// producer identity checks.
	AdvProduceBlocksOnlyValid
	// AdvProduceBlocksAll skips every production precondition.
	AdvProduceBlocksAll
)

// ClientConfig is the per-node configuration of the coordinator.
type ClientConfig struct {
	ChainID string

	// Block production pacing.
	MinBlockProductionDelay time.Duration
	MaxBlockProductionDelay time.Duration
	MaxBlockWaitDelay       time.Duration

	// ProduceEmptyBlocks keeps the chain moving when no chunks are ready.
	ProduceEmptyBlocks bool

	EpochLength            primitives.BlockHeightDelta
	NumBlockProducerSeats  uint64
	TransactionPoolLimit   uint64
	TrackedShards          []primitives.ShardID
	Archive                bool
	GCBlocksLimit          uint64
	StateSyncEnabled       bool
	StateSyncTimeout       time.Duration
	HeaderSyncInitialTimeout      time.Duration
	HeaderSyncProgressTimeout     time.Duration
	HeaderSyncStallBanTimeout     time.Duration
	HeaderSyncExpectedHeightPerSecond uint64
	BlockFetchHorizon      primitives.BlockHeightDelta

	// Test-only controls. All default to off.
	AdvProduceBlocks        AdvProduceBlocksMode
	ProduceInvalidChunks    bool
	ProduceInvalidTxInChunks bool

	// Sandbox-only: accrued fast-forward delta participating in produced
	// block timestamps. Zero outside sandbox mode.
	Sandbox                  bool
	AccruedFastforwardDelta  primitives.BlockHeightDelta
}

// DefaultClientConfig returns a ClientConfig with production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ChainID:                 "mainnet",
		MinBlockProductionDelay: 600 * time.Millisecond,
		MaxBlockProductionDelay: 2 * time.Second,
		MaxBlockWaitDelay:       6 * time.Second,
		ProduceEmptyBlocks:      true,
		EpochLength:             43_200,
		NumBlockProducerSeats:   100,
		TransactionPoolLimit:    100_000_000,
		GCBlocksLimit:           2,
		StateSyncEnabled:        true,
		StateSyncTimeout:        60 * time.Second,
		HeaderSyncInitialTimeout:          10 * time.Second,
		HeaderSyncProgressTimeout:         2 * time.Second,
		HeaderSyncStallBanTimeout:         120 * time.Second,
		HeaderSyncExpectedHeightPerSecond: 10,
		BlockFetchHorizon:       50,
	}
}
