// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for the
// streaming store's node-group cache.
//
// The cache stamps every group with its last use and a sweeper
// goroutine unloads groups idle for longer than the configured
// timeout. Both read time through a Clock. In production, Real()
// provides the standard library behavior. In tests, Fake() provides a
// deterministic clock that advances only when Advance is called:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	store := open(..., c)
//	c.WaitForTickers(1)          // the sweeper has started
//	c.Advance(10 * time.Minute)  // the sweep runs deterministically
package clock
