// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "time"

// JitterFraction is the fraction of the wait time applied as jitter so
// blocking reads do not wake in lockstep.
const JitterFraction = 16

// QueryOptions are the caller-settable options on read operations.
type QueryOptions struct {
	// If set, block until the graph generation exceeds the given index.
	// Must be provided with MaxQueryTime.
	MinQueryIndex uint64

	// Provided with MinQueryIndex to bound the wait.
	MaxQueryTime time.Duration

	// Filter is a bexpr expression evaluated against each element of a
	// list result. Elements failing the expression are dropped.
	Filter string
}

// QueryMeta carries metadata about a read.
type QueryMeta struct {
	// Index is the graph generation the read was performed at.
	Index uint64
}
