// Package hoststore backs the demo validator host's block storage and
// checkpoint cache for the networked harness (cmd/pbft-netsim). It is not
// part of the consensus core: the core only ever talks to a pbft.Service,
// and internal/consensus/service.Persistent is the adapter that composes a
// BlockStore from this package into that contract.
package hoststore

import (
	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
)

// BlockStore persists committed blocks and answers chain-head/lookup
// queries. It mirrors the subset of pbft.Service that needs durable
// backing; broadcast/check/commit-signalling stay in the service adapter.
type BlockStore interface {
	PutBlock(b pbft.Block) error
	GetBlock(id pbft.BlockID) (pbft.Block, bool, error)
	ChainHead() (pbft.Block, error)
	Close() error
}

// CheckpointCache caches the latest stable checkpoint sequence number so a
// freshly (re)started process — or a sibling process inspecting the same
// backing store — can answer AtCheckpoint-adjacent queries without
// replaying the in-memory log the core itself never persists.
type CheckpointCache interface {
	SetStableSeq(seq uint64) error
	StableSeq() (uint64, error)
	Close() error
}
