// Package service defines the contract between the PBFT core and the host
// validator: block construction, validation, commit, chain-head lookup, and
// peer broadcast. The core treats everything here as an external
// collaborator; this package also ships an in-memory reference
// implementation used by tests and the in-process harness.
package service

import (
	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
)

// BlockNotReady is the distinguished FinalizeBlock failure the core treats
// as benign: the host simply has nothing to publish yet. It is the same
// sentinel pbft.Node compares against internally.
var BlockNotReady = pbft.ErrBlockNotReady

// Adapter is the host validator service contract. It is an alias of
// pbft.Service: the interface has to live in the pbft package so that this
// package's implementations can satisfy it without an import cycle (this
// package already imports pbft for its parameter types).
type Adapter = pbft.Service

// HostCallbacks is implemented by Adapters that can tell the surrounding
// host loop when FinalizeBlock, CheckBlocks, and CommitBlock complete, so
// the host can drive the corresponding Node entry point
// (OnBlockNew/OnBlockValid/OnBlockCommit). It is a demo-harness concern,
// not part of the core pbft.Service contract a real validator host would
// implement against its own block pipeline.
type HostCallbacks interface {
	SetHostCallbacks(onBlockNew func(pbft.Block), onBlockValid func(pbft.BlockID), onBlockCommit func(pbft.BlockID))
}
