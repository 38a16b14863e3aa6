package statemachine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/jobengine/pkg/statemachine"
)

type (
	st = statemachine.StringState
	ev = statemachine.StringEvent
	tr = statemachine.Transition[st, ev]
)

const (
	draft     = st("draft")
	review    = st("review")
	published = st("published")
	rejected  = st("rejected")

	submit = ev("submit")
	decide = ev("decide")
)

func TestTable_Fire(t *testing.T) {
	t.Parallel()

	approved := func(_ context.Context, _ st, _ ev, data any) bool {
		ok, _ := data.(bool)
		return ok
	}

	table := statemachine.New(
		tr{From: draft, To: review, Event: submit},
		tr{From: review, To: published, Event: decide, Guards: []statemachine.Guard[st, ev]{approved}},
		tr{From: review, To: rejected, Event: decide},
	)

	ctx := context.Background()

	t.Run("simple transition", func(t *testing.T) {
		next, err := table.Fire(ctx, draft, submit, nil)
		require.NoError(t, err)
		assert.Equal(t, review, next)
	})

	t.Run("guard selects first passing branch", func(t *testing.T) {
		next, err := table.Fire(ctx, review, decide, true)
		require.NoError(t, err)
		assert.Equal(t, published, next)

		next, err = table.Fire(ctx, review, decide, false)
		require.NoError(t, err)
		assert.Equal(t, rejected, next)
	})

	t.Run("no transition", func(t *testing.T) {
		_, err := table.Fire(ctx, published, submit, nil)
		require.Error(t, err)
		assert.True(t, statemachine.IsNoTransitionAvailableError(err))
		assert.False(t, table.CanFire(ctx, published, submit, nil))
	})

	t.Run("events", func(t *testing.T) {
		assert.ElementsMatch(t, []ev{submit}, table.Events(draft))
		assert.Empty(t, table.Events(published))
	})
}

func TestTable_GuardsAndActions(t *testing.T) {
	t.Parallel()

	never := func(context.Context, st, ev, any) bool { return false }
	table := statemachine.New(
		tr{From: draft, To: review, Event: submit, Guards: []statemachine.Guard[st, ev]{never}},
	)

	_, err := table.Fire(context.Background(), draft, submit, nil)
	require.Error(t, err)
	assert.True(t, statemachine.IsTransitionRejectedError(err))

	var calls []string
	boom := errors.New("boom")
	withActions := statemachine.New(
		tr{From: draft, To: review, Event: submit, Actions: []statemachine.Action[st, ev]{
			func(_ context.Context, from, to st, _ ev, _ any) error {
				calls = append(calls, from.Name()+"->"+to.Name())
				return nil
			},
		}},
		tr{From: review, To: published, Event: decide, Actions: []statemachine.Action[st, ev]{
			func(context.Context, st, st, ev, any) error { return boom },
		}},
	)

	next, err := withActions.Fire(context.Background(), draft, submit, nil)
	require.NoError(t, err)
	assert.Equal(t, review, next)
	assert.Equal(t, []string{"draft->review"}, calls)

	_, err = withActions.Fire(context.Background(), review, decide, nil)
	assert.ErrorIs(t, err, boom)
}
