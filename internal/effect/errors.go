package effect

import "errors"

var (
	// ErrUnregistered is returned when no factory is registered for a descriptor.
	ErrUnregistered = errors.New("descriptor not registered")

	// ErrDuplicate is returned when a descriptor is registered twice.
	ErrDuplicate = errors.New("descriptor already registered")

	// ErrNoUnit is reported when a factory returns neither a unit nor an error.
	ErrNoUnit = errors.New("factory returned no unit")

	// ErrInstantiateTimeout is reported when a factory does not answer in time.
	ErrInstantiateTimeout = errors.New("unit instantiation timed out")

	// ErrUnknownParameter is returned for parameter IDs not in a unit's tree.
	ErrUnknownParameter = errors.New("unknown parameter")
)
