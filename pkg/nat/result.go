package nat

// Status classifies the outcome of a table operation.
type Status int

const (
	OK Status = iota
	Invalid
	NoMatch
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Invalid:
		return "invalid"
	case NoMatch:
		return "no_match"
	default:
		return "unknown"
	}
}

// Result is returned by DefineRule and Translate. Destination is set only by a
// successful Translate; Err explains an Invalid status.
type Result struct {
	Status      Status
	Destination Endpoint
	Err         error
}

func okResult(destination Endpoint) Result {
	return Result{Status: OK, Destination: destination}
}

func invalidResult(err error) Result {
	return Result{Status: Invalid, Err: err}
}
