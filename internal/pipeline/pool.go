package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// UnitError is the isolated failure of one unit (a strand or an instrument).
type UnitError struct {
	Unit string
	Err  error
}

func (e UnitError) Error() string { return fmt.Sprintf("%s: %v", e.Unit, e.Err) }

func (e UnitError) Unwrap() error { return e.Err }

// Workers returns n, or GOMAXPROCS when n <= 0.
func Workers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// ForEachUnit runs fn for every unit on at most workers goroutines.
//
// A unit's error never stops its siblings: failures are collected and
// returned sorted by unit. A panic in fn is recovered into that unit's
// error. Once ctx ends no further units are started and ctx.Err() is
// returned after the running ones finish.
func ForEachUnit(ctx context.Context, workers int, units []string, fn func(ctx context.Context, unit string) error) ([]UnitError, error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(Workers(workers))

	var (
		mu       sync.Mutex
		failures []UnitError
	)
	for _, u := range units {
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := runUnit(gctx, u, fn); err != nil {
				mu.Lock()
				failures = append(failures, UnitError{Unit: u, Err: err})
				mu.Unlock()
			}
			// Unit errors stay isolated; returning them would cancel gctx.
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].Unit < failures[j].Unit })
	return failures, ctx.Err()
}

func runUnit(ctx context.Context, unit string, fn func(context.Context, string) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in unit %s: %v", unit, r)
		}
	}()
	return fn(ctx, unit)
}
