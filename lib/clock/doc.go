// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every vigil component.
//
// Components hold a Clock instead of calling the time package. The
// service wires Real(); tests wire Fake() and move time explicitly:
//
//	c := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
//	client := capture.NewClient(capture.Config{Clock: c, ...})
//	go client.Run(ctx)
//	c.WaitForTimers(2)        // frame sampler + local check registered
//	c.Advance(5 * time.Second) // one frame sample fires
//
// FakeClock.Set moves the clock to an arbitrary instant, including
// backward. The event log uses that to prove that per-session
// timestamps never decrease when the wall clock jumps.
package clock
