//go:build property
// +build property

package batch_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/shipflow-core/server/internal/agent/batch"
)

func TestBatchProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("row fields and estimates never change after preview", prop.ForAll(
		func(n, failEvery int) bool {
			ctx := context.Background()
			e, _ := newEngine(&fakeCarrier{failCity: "Nowhere"}, creds{})
			b, err := e.Create(ctx, "conv-1", "", shipments(n, failEvery))
			if err != nil {
				return false
			}
			if _, err := e.Preview(ctx, b.ID); err != nil {
				return false
			}
			previewed, _ := e.Get(ctx, b.ID)
			if _, err := e.Confirm(ctx, b.ID, affirm("conv-1")); err != nil {
				return false
			}
			res, err := e.Execute(ctx, b.ID, true, nil)
			if err != nil {
				return false
			}
			executed, _ := e.Get(ctx, b.ID)
			for i := range previewed.Rows {
				if previewed.Rows[i].Index != executed.Rows[i].Index ||
					!reflect.DeepEqual(previewed.Rows[i].Fields, executed.Rows[i].Fields) ||
					!reflect.DeepEqual(previewed.Rows[i].Estimate, executed.Rows[i].Estimate) {
					return false
				}
			}
			return res.Succeeded+res.Failed == n
		},
		gen.IntRange(1, 25),
		gen.IntRange(0, 5),
	))

	properties.Property("execution is refused without approval in every state", prop.ForAll(
		func(n int) bool {
			ctx := context.Background()
			c := &fakeCarrier{}
			e, _ := newEngine(c, creds{})
			b, _ := e.Create(ctx, "conv-1", "", shipments(n, 0))
			_, err := e.Execute(ctx, b.ID, false, nil)
			_, _ = e.Preview(ctx, b.ID)
			_, err2 := e.Execute(ctx, b.ID, false, nil)
			return errors.Is(err, batch.ErrNotApproved) && errors.Is(err2, batch.ErrNotApproved) && c.execCalls.Load() == 0
		},
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}
