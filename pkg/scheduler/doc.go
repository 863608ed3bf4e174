// Package scheduler provides the cooperative timed dispatcher that drives
// the upholder's background workers.
//
// Each registered task runs on its own goroutine at a fixed interval
// measured from fire start, so slow runs do not accumulate drift beyond a
// one-interval catch-up cap. The first fire is jittered by a configurable
// fraction of the interval to keep freshly started fleets from hammering
// the database in lockstep.
//
//	s := scheduler.New(scheduler.WithLogger(log))
//	s.Schedule("cache-sample", 30*time.Second, 0.1, monitor.Sample)
//	s.Start(ctx)
//	defer s.Stop(5 * time.Second)
//
// A task that fails three times in a row is marked degraded and its
// interval doubles until a success resets it. TriggerNow forces an
// out-of-band run; triggers arriving while a run is in flight are
// coalesced rather than queued.
//
// The Clock interface abstracts time for deterministic tests; NewFake
// returns a manually advanced implementation shared by the other
// upholder packages' tests.
package scheduler
