// Package cache provides a small generic LRU used by the monitor to keep the
// latest snapshot of recently touched jobs in memory.
//
//	jobs := cache.NewLRU[queue.JobRef, *queue.Job](500)
//	jobs.Put(job.Ref(), job)
//	if j, ok := jobs.Get(ref); ok {
//		// served without a store round trip
//	}
//
// All methods are safe for concurrent use. Get and Put mark the key as
// recently used; Peek and Values do not.
package cache
