// Package tracker is the session continuity facade.
//
// A Tracker keeps every live session in a local sliding-TTL cache and
// writes every mutation behind to a core.BackendStore through an event
// queue drained by background dispatchers. Start, RecordActivity and End
// touch only the cache and the queue on a cache hit; a miss falls back to a
// bounded backend fetch that resumes sessions the process lost, for example
// after a restart. An expiry sweeper abandons sessions whose local lease
// runs out without an End.
//
// Usage:
//
//	t := tracker.New(backend, func(o *tracker.Options) { o.Logger = logger })
//	go t.Run(ctx)
//	defer t.Close(context.Background())
//
//	info, _ := t.Start(ctx, "support-bot")
//	_, _ = t.RecordActivity(ctx, info.ID, core.Delta{Messages: 2, Result: core.ResultSuccess})
//	_, _ = t.End(ctx, info.ID, core.StatusCompleted, tracker.WithQuality(core.QualityGood))
package tracker
