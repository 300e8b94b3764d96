package route

import "errors"

var (
	ErrRouteNotFound      = errors.New("route not found")
	ErrRouteAlreadyActive = errors.New("driver already has an active route")
	ErrStopNotFound       = errors.New("stop not found")
	ErrRouteArchived      = errors.New("route has ended")
	ErrInvalidTransition  = errors.New("invalid stop transition")
	ErrDuplicateStop      = errors.New("order is already on the route")
	ErrConcurrentUpdate   = errors.New("route was modified concurrently")
	ErrInvalidInput       = errors.New("invalid input")
)

// Kind classifies manager errors for callers that map them to transport codes.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindInvalidState
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInvalidState:
		return "invalid_state"
	case KindInvalid:
		return "invalid"
	}
	return "internal"
}

func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrRouteNotFound), errors.Is(err, ErrStopNotFound):
		return KindNotFound
	case errors.Is(err, ErrRouteAlreadyActive), errors.Is(err, ErrDuplicateStop), errors.Is(err, ErrConcurrentUpdate):
		return KindConflict
	case errors.Is(err, ErrRouteArchived), errors.Is(err, ErrInvalidTransition):
		return KindInvalidState
	case errors.Is(err, ErrInvalidInput):
		return KindInvalid
	}
	return KindInternal
}
