// Package statemachine provides a generic, stateless transition table.
//
// A Table maps (state, event) pairs to one or more transitions. Guards pick
// between alternatives with the same source and event, and actions run side
// effects before the new state is returned. Because the table keeps no current
// state, a single table can validate transitions for many entities at once,
// for example every job row in a queue.
//
//	const (
//		Draft     = statemachine.StringState("draft")
//		Published = statemachine.StringState("published")
//		Publish   = statemachine.StringEvent("publish")
//	)
//
//	table := statemachine.New(
//		statemachine.Transition[statemachine.StringState, statemachine.StringEvent]{
//			From: Draft, To: Published, Event: Publish,
//		},
//	)
//
//	next, err := table.Fire(ctx, Draft, Publish, nil)
//
// Fire returns *ErrNoTransitionAvailable when nothing is registered for the
// pair and *ErrTransitionRejected when every candidate's guards fail.
package statemachine
