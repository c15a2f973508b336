package search

import "fmt"

// Kind tags the terminal failure of a search.
type Kind string

// Failure kinds.
const (
	KindNoInput         Kind = "no_input"
	KindExtractionEmpty Kind = "extraction_empty"
	KindNoResults       Kind = "no_results"
	KindInternal        Kind = "internal"
)

// Caller-facing messages.
const (
	MsgNoInput         = "Either a PDF file or text input must be provided."
	MsgBothInputs      = "Provide either a PDF file or text input, not both."
	MsgUnsupportedFile = "Unsupported file type; only PDF is accepted."
	MsgExtractionEmpty = "Could not extract text from the uploaded file."
	MsgNoResults       = "No similar cases found"
	MsgInternal        = "An internal error occurred while searching."
	MsgTimeout         = "The search did not finish in time."
	MsgOverloaded      = "The server is busy; retry later."
)

// Error is the failure returned by Service.Search. Err carries the domain
// sentinel (and any cause) for errors.Is matching.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("search %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("search %s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
