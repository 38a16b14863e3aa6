// Package async provides generic helpers for running computations in their
// own goroutine and waiting for the result.
//
// Async starts a function and returns a *Future. Await blocks until the
// function returns; AwaitContext also gives up when a context ends, which is
// how callers put a deadline on work that cannot be interrupted. A panic in the
// function is recovered and reported as an error wrapping ErrPanic. WaitAll
// collects several futures in order.
//
// # Usage
//
//	f := async.Async(ctx, jobID, func(ctx context.Context, id string) (int, error) {
//		return countRows(ctx, id)
//	})
//
//	n, err := f.AwaitContext(ctx)
package async
