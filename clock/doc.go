// Package clock provides an injectable time abstraction.
//
// Components that expire or schedule work (cache, dispatcher, sweeper,
// tracker) take a Clock instead of calling time.Now or time.NewTicker
// directly. Production code uses Real(); tests use Fake() and move time
// forward explicitly with Advance:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go sweeper.Run(ctx)
//	c.WaitForTimers(1)       // wait until the sweeper registered its ticker
//	c.Advance(5 * time.Minute) // fire it deterministically
package clock
