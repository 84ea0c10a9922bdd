package stream

import "context"

// Fresh forwards only events whose generation equals current() at the moment
// they are read. This is where stale events from a superseded generation are
// discarded.
func Fresh(ctx context.Context, in <-chan Event, current func() uint64) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-in:
				if !ok {
					return
				}
				if ev.Generation != current() {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
