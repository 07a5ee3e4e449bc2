package saga

import (
	"context"
	"fmt"
	"sort"
)

// Handler reacts to one event on behalf of a saga instance. Handlers must
// side-effect only through the Saga primitives (Dispatch, AddCompensation,
// the TCC and lifecycle methods); nothing is committed until the Manager
// persists, so a handler that fails midway is safe to re-execute on
// redelivery.
type Handler func(ctx context.Context, s *Saga, e *Event) error

// TimeoutHandler overrides the default suspension-timeout behavior for one
// definition.
type TimeoutHandler func(ctx context.Context, s *Saga) error

// CommandFactory computes a command from the triggering event.
type CommandFactory func(e *Event) (Command, error)

// CompensationFactory computes a compensating command and a human-readable
// reason from the triggering event.
type CompensationFactory func(e *Event) (Command, string)

// Definition is one saga type: a name plus its event bindings. A saga type
// is a data value consumed by Registry and Manager, not a subclass; this is
// the only place application business logic enters the core.
type Definition struct {
	name       string
	handlers   map[string]Handler
	onTimeout  TimeoutHandler
	maxRetries int
}

// Name returns the saga type discriminator.
func (d *Definition) Name() string { return d.name }

// MaxRetries returns the redispatch budget for instances of this type.
func (d *Definition) MaxRetries() int { return d.maxRetries }

// EventTypes returns the listened event types in stable order.
func (d *Definition) EventTypes() []string {
	types := make([]string, 0, len(d.handlers))
	for t := range d.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (d *Definition) handler(eventType string) Handler {
	return d.handlers[eventType]
}

// DefaultMaxRetries bounds automatic redispatch attempts when a definition
// does not set its own budget.
const DefaultMaxRetries = 5

// Builder accumulates event bindings and produces a plain Definition.
type Builder struct {
	def *Definition
	err error
}

// NewBuilder starts a definition for the named saga type.
func NewBuilder(name string) *Builder {
	return &Builder{def: &Definition{
		name:       name,
		handlers:   make(map[string]Handler),
		maxRetries: DefaultMaxRetries,
	}}
}

func (b *Builder) bind(eventType string, h Handler) *Builder {
	if b.err != nil {
		return b
	}
	if eventType == "" {
		b.err = fmt.Errorf("saga %q: empty event type", b.def.name)
		return b
	}
	if _, dup := b.def.handlers[eventType]; dup {
		b.err = fmt.Errorf("saga %q: event %q bound twice", b.def.name, eventType)
		return b
	}
	b.def.handlers[eventType] = h
	return b
}

// On binds a direct handler to an event type.
func (b *Builder) On(eventType string, h Handler) *Builder {
	if h == nil {
		if b.err == nil {
			b.err = fmt.Errorf("saga %q: nil handler for %q", b.def.name, eventType)
		}
		return b
	}
	return b.bind(eventType, h)
}

// SendOption configures a SendOn binding.
type SendOption func(*sendBinding)

type sendBinding struct {
	compensation CompensationFactory
}

// WithCompensation registers a compensation pushed when the bound command is
// queued.
func WithCompensation(f CompensationFactory) SendOption {
	return func(sb *sendBinding) { sb.compensation = f }
}

// SendOn binds an event to a command: when the event arrives, the factory's
// command is queued, the step label recorded, and any compensation pushed.
func (b *Builder) SendOn(eventType, step string, factory CommandFactory, opts ...SendOption) *Builder {
	if factory == nil {
		if b.err == nil {
			b.err = fmt.Errorf("saga %q: nil command factory for %q", b.def.name, eventType)
		}
		return b
	}
	var sb sendBinding
	for _, opt := range opts {
		opt(&sb)
	}
	return b.bind(eventType, func(ctx context.Context, s *Saga, e *Event) error {
		cmd, err := factory(e)
		if err != nil {
			return err
		}
		s.Dispatch(cmd)
		s.SetStep(step)
		if sb.compensation != nil {
			comp, reason := sb.compensation(e)
			s.AddCompensation(comp, reason)
		}
		return nil
	})
}

// CompleteOn binds an event to saga completion.
func (b *Builder) CompleteOn(eventType, step string) *Builder {
	return b.bind(eventType, func(ctx context.Context, s *Saga, e *Event) error {
		s.SetStep(step)
		s.Complete()
		return nil
	})
}

// FailOn binds an event to saga failure with optional compensation.
func (b *Builder) FailOn(eventType, reason string, compensate bool) *Builder {
	return b.bind(eventType, func(ctx context.Context, s *Saga, e *Event) error {
		s.Fail(reason, compensate)
		return nil
	})
}

// TriedOn binds an event to MarkStepTried for the named TCC step.
func (b *Builder) TriedOn(eventType, step string) *Builder {
	return b.bind(eventType, func(ctx context.Context, s *Saga, e *Event) error {
		s.SetStep(step)
		return s.MarkStepTried(step)
	})
}

// ConfirmedOn binds an event to MarkStepConfirmed for the named TCC step.
func (b *Builder) ConfirmedOn(eventType, step string) *Builder {
	return b.bind(eventType, func(ctx context.Context, s *Saga, e *Event) error {
		s.SetStep(step)
		return s.MarkStepConfirmed(step)
	})
}

// FailedOn binds an event to MarkStepFailed for the named TCC step.
func (b *Builder) FailedOn(eventType, step string) *Builder {
	return b.bind(eventType, func(ctx context.Context, s *Saga, e *Event) error {
		s.SetStep(step)
		return s.MarkStepFailed(step)
	})
}

// CancelledOn binds an event to MarkStepCancelled for the named TCC step.
func (b *Builder) CancelledOn(eventType, step string) *Builder {
	return b.bind(eventType, func(ctx context.Context, s *Saga, e *Event) error {
		s.SetStep(step)
		return s.MarkStepCancelled(step)
	})
}

// OnTimeout overrides the default suspension-timeout handling.
func (b *Builder) OnTimeout(h TimeoutHandler) *Builder {
	if b.err == nil {
		b.def.onTimeout = h
	}
	return b
}

// MaxRetries sets the redispatch budget for instances of this type.
func (b *Builder) MaxRetries(n int) *Builder {
	if b.err == nil && n > 0 {
		b.def.maxRetries = n
	}
	return b
}

// Build finalizes the definition.
func (b *Builder) Build() (*Definition, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.def.name == "" {
		return nil, fmt.Errorf("saga definition: empty name")
	}
	if len(b.def.handlers) == 0 {
		return nil, fmt.Errorf("saga %q: no event bindings", b.def.name)
	}
	return b.def, nil
}

// MustBuild is Build, panicking on error. Intended for startup wiring.
func (b *Builder) MustBuild() *Definition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}
