package pipeline

import (
	"context"
	"sync"

	"calfeed/internal/model"
)

// CollectSink keeps every notification in memory.
type CollectSink struct {
	mu          sync.Mutex
	Events      []model.Event
	Components  []model.Component
	Completions []model.Completion

	// StopAfter makes OnComponent return ErrStop once that many components
	// were collected. Zero means never.
	StopAfter int
}

func (s *CollectSink) OnEvent(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Events = append(s.Events, ev)
	return nil
}

func (s *CollectSink) OnComponent(_ context.Context, c model.Component) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Components = append(s.Components, c)
	if s.StopAfter > 0 && len(s.Components) >= s.StopAfter {
		return ErrStop
	}
	return nil
}

func (s *CollectSink) OnEventComplete(_ context.Context, c model.Completion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Completions = append(s.Completions, c)
	return nil
}

// Occurrences returns the collected occurrences in emission order.
func (s *CollectSink) Occurrences() []model.Occurrence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Occurrence, 0, len(s.Components))
	for _, c := range s.Components {
		out = append(out, c.Occurrence)
	}
	return out
}

// FuncSink adapts plain functions to EventSink. Nil funcs accept silently.
type FuncSink struct {
	Event     func(context.Context, model.Event) error
	Component func(context.Context, model.Component) error
	Complete  func(context.Context, model.Completion) error
}

func (f FuncSink) OnEvent(ctx context.Context, ev model.Event) error {
	if f.Event == nil {
		return nil
	}
	return f.Event(ctx, ev)
}

func (f FuncSink) OnComponent(ctx context.Context, c model.Component) error {
	if f.Component == nil {
		return nil
	}
	return f.Component(ctx, c)
}

func (f FuncSink) OnEventComplete(ctx context.Context, c model.Completion) error {
	if f.Complete == nil {
		return nil
	}
	return f.Complete(ctx, c)
}
