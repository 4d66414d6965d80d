package protocol

import "fmt"

// Identifier is a SIM identifier: an IMSI or an ICCID made of ASCII digits.
type Identifier struct {
	Type  IdentifierType
	Value string
}

// NewImsi validates and returns an IMSI identifier.
func NewImsi(digits string) (Identifier, error) {
	id := Identifier{Type: IdentifierImsi, Value: digits}
	return id, id.Validate()
}

// NewIccid validates and returns an ICCID identifier.
func NewIccid(digits string) (Identifier, error) {
	id := Identifier{Type: IdentifierIccid, Value: digits}
	return id, id.Validate()
}

// ParseIdentifier builds an identifier from a type name ("imsi" or "iccid").
func ParseIdentifier(kind, digits string) (Identifier, error) {
	switch kind {
	case "imsi":
		return NewImsi(digits)
	case "iccid":
		return NewIccid(digits)
	}
	return Identifier{}, fmt.Errorf("%w: %q", ErrUnknownIdentifierType, kind)
}

// Validate checks digit content and length bounds.
func (id Identifier) Validate() error {
	var lo, hi int
	switch id.Type {
	case IdentifierImsi:
		lo, hi = MinImsiDigits, MaxImsiDigits
	case IdentifierIccid:
		lo, hi = MinIccidDigits, MaxIccidDigits
	default:
		return fmt.Errorf("%w: 0x%02x", ErrUnknownIdentifierType, uint8(id.Type))
	}
	if n := len(id.Value); n < lo || n > hi {
		return fmt.Errorf("%w: %s must have %d-%d digits, got %d", ErrInvalidIdentifier, id.Type, lo, hi, n)
	}
	if !onlyDigits(id.Value) {
		return fmt.Errorf("%w: %s contains non-digit characters", ErrInvalidIdentifier, id.Type)
	}
	return nil
}

func (id Identifier) String() string {
	return id.Type.String() + ":" + id.Value
}

func onlyDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
