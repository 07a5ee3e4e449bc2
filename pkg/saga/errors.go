package saga

import "errors"

var (
	// ErrNotFound is returned by Repository.Load when no live instance
	// exists for the (correlation id, saga type) pair.
	ErrNotFound = errors.New("saga not found")

	// ErrVersionConflict signals a concurrent writer: the persisted version
	// no longer matches the version read at load time.
	ErrVersionConflict = errors.New("saga version conflict")

	// ErrMissingCorrelation is returned for events carrying no correlation
	// id. A saga event without correlation is a programming error.
	ErrMissingCorrelation = errors.New("event has no correlation id")

	// ErrDuplicateDefinition is returned when registering two definitions
	// under one name.
	ErrDuplicateDefinition = errors.New("saga definition already registered")

	ErrUnknownTCCStep   = errors.New("unknown tcc step")
	ErrDuplicateTCCStep = errors.New("tcc step already registered")
)
