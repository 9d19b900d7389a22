package netmon

import (
	"context"
	"time"
)

// Debouncer coalesces bursts of change events. Once the input has been
// quiet for the interval it emits the last event of the burst with Changes
// set to the number of events it stands for.
type Debouncer struct {
	interval time.Duration
	input    <-chan Event
	output   chan Event
}

// NewDebouncer creates a debouncer reading from input.
func NewDebouncer(input <-chan Event, interval time.Duration) *Debouncer {
	return &Debouncer{
		interval: interval,
		input:    input,
		output:   make(chan Event),
	}
}

// Run starts the debouncer and returns the output channel, which is closed
// when ctx is cancelled or the input is closed.
func (d *Debouncer) Run(ctx context.Context) <-chan Event {
	go d.loop(ctx)
	return d.output
}

func (d *Debouncer) loop(ctx context.Context) {
	defer close(d.output)

	timer := time.NewTimer(d.interval)
	timer.Stop()
	defer timer.Stop()

	var (
		pending Event
		count   int
	)
	emit := func() bool {
		pending.Changes = count
		count = 0
		select {
		case d.output <- pending:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.input:
			if !ok {
				if count > 0 {
					emit()
				}
				return
			}
			pending = event
			count++
			timer.Reset(d.interval)

		case <-timer.C:
			if count > 0 && !emit() {
				return
			}
		}
	}
}
