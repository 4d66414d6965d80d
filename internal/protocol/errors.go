package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when a buffer cannot be a valid message.
	ErrMalformed = errors.New("malformed message")

	// ErrIncomplete is matched by *IncompleteError.
	ErrIncomplete = errors.New("incomplete message")

	// ErrFrameTooLarge is returned when a Packet exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("packet payload exceeds maximum size")

	ErrUnknownRole           = errors.New("unknown role")
	ErrUnknownOpcode         = errors.New("unknown opcode")
	ErrUnknownIdentifierType = errors.New("unknown identifier type")
	ErrUnknownStatus         = errors.New("unknown status")
	ErrUnsupportedVersion    = errors.New("unsupported protocol version")
	ErrInvalidIdentifier     = errors.New("invalid identifier")
)

// IncompleteError reports that a decode needs more bytes.
type IncompleteError struct {
	Message string
	Missing int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%s: %d more bytes needed", e.Message, e.Missing)
}

// Is makes errors.Is(err, ErrIncomplete) true.
func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}

func incomplete(msg string, missing int) error {
	return &IncompleteError{Message: msg, Missing: missing}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrMalformed}, args...)...)
}

// Missing returns the number of bytes an incomplete decode still needs,
// or 0 when err is not an *IncompleteError.
func Missing(err error) int {
	var ie *IncompleteError
	if errors.As(err, &ie) {
		return ie.Missing
	}
	return 0
}
