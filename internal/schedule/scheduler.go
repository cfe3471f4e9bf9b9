package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var ErrInvalidEntry = errors.New("invalid schedule entry")

type Action func(ctx context.Context, tick int) error

// Entry fires at Start and then every Interval ticks. An Interval of zero
// makes it one-shot.
type Entry struct {
	Name     string
	Start    int
	Interval int
	Priority int
	Action   Action
}

func (e Entry) due(tick int) bool {
	if tick < e.Start {
		return false
	}
	if e.Interval <= 0 {
		return tick == e.Start
	}
	return (tick-e.Start)%e.Interval == 0
}

type registered struct {
	Entry
	seq int
}

// Scheduler runs registered actions tick by tick. Within a tick, higher
// priority runs first and equal priorities keep registration order. All
// actions of a tick finish before the next tick starts.
type Scheduler struct {
	entries []registered
	seq     int
	tick    int
}

func New() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) Register(e Entry) error {
	if e.Action == nil {
		return fmt.Errorf("%w: %s has no action", ErrInvalidEntry, e.Name)
	}
	if e.Start < 0 || e.Interval < 0 {
		return fmt.Errorf("%w: %s start=%d interval=%d", ErrInvalidEntry, e.Name, e.Start, e.Interval)
	}
	s.entries = append(s.entries, registered{Entry: e, seq: s.seq})
	s.seq++
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].Priority != s.entries[j].Priority {
			return s.entries[i].Priority > s.entries[j].Priority
		}
		return s.entries[i].seq < s.entries[j].seq
	})
	return nil
}

func (s *Scheduler) Once(name string, tick, priority int, action Action) error {
	return s.Register(Entry{Name: name, Start: tick, Priority: priority, Action: action})
}

func (s *Scheduler) Repeat(name string, start, interval, priority int, action Action) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %s repeat interval must be > 0", ErrInvalidEntry, name)
	}
	return s.Register(Entry{Name: name, Start: start, Interval: interval, Priority: priority, Action: action})
}

// Tick is the next tick Advance will run.
func (s *Scheduler) Tick() int {
	return s.tick
}

// Due lists the entry names that fire at tick, in execution order.
func (s *Scheduler) Due(tick int) []string {
	names := []string{}
	for _, e := range s.entries {
		if e.due(tick) {
			names = append(names, e.Name)
		}
	}
	return names
}

// Advance runs every action due at the current tick and moves to the next.
// The first failing action stops the tick and the tick is not consumed.
func (s *Scheduler) Advance(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	due := make([]registered, 0, len(s.entries))
	for _, e := range s.entries {
		if e.due(s.tick) {
			due = append(due, e)
		}
	}
	for _, e := range due {
		if err := e.Action(ctx, s.tick); err != nil {
			return fmt.Errorf("tick %d %s: %w", s.tick, e.Name, err)
		}
	}
	s.tick++
	return nil
}

// RunUntil advances through endTick inclusive.
func (s *Scheduler) RunUntil(ctx context.Context, endTick int) error {
	for s.tick <= endTick {
		if err := s.Advance(ctx); err != nil {
			return err
		}
	}
	return nil
}
