package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAuthor means the declared author could not be resolved to a
	// remote identity.
	ErrUnknownAuthor = errors.New("unknown author")
	// ErrContactNotAuthorized means the author is a contact of the target
	// user that may not post to them (blocked or unapproved).
	ErrContactNotAuthorized = errors.New("contact not authorized")
)

// DispatchError is a policy rejection of a validly signed envelope.
type DispatchError struct {
	Kind   error
	Author string
	Stage  Stage
	Err    error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s (author %s, after %s)", e.Kind, e.Author, e.Stage)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DispatchError) Is(target error) bool { return target == e.Kind }

func (e *DispatchError) Unwrap() error { return e.Err }

// ImportError wraps a failure of the application importer. The envelope
// itself was valid.
type ImportError struct {
	Author string
	Err    error
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import from %s: %v", e.Author, e.Err)
}

func (e *ImportError) Unwrap() error { return e.Err }
