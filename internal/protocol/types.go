// Package protocol defines the wire messages exchanged between the tunnel
// broker, probes and SIM providers.
//
// All multi-byte integers are big-endian.
package protocol

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

const (
	// ProtocolVersion is the only Packet version accepted on the wire.
	ProtocolVersion uint8 = 0

	// TokenLength is the fixed size of an authentication token.
	TokenLength = 25

	// MaxPayloadSize bounds a single Packet payload.
	MaxPayloadSize = 128 * 1024

	// PacketHeaderSize is version + opcode + 4-byte length.
	PacketHeaderSize = 6

	// AuthRequestSize is role + token.
	AuthRequestSize = 1 + TokenLength

	// AuthResponseSize and ConnectResponseSize are a single status byte.
	AuthResponseSize    = 1
	ConnectResponseSize = 1

	// ImsiFieldSize is the NUL-padded IMSI field of a ConnectRequest.
	ImsiFieldSize = 15

	MinImsiDigits  = 5
	MaxImsiDigits  = 15
	MinIccidDigits = 5
	MaxIccidDigits = 20
)

// Role identifies which side of the tunnel a client is.
type Role uint8

const (
	RoleProvider Role = 1
	RoleProbe    Role = 2
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleProvider || r == RoleProbe
}

func (r Role) String() string {
	switch r {
	case RoleProvider:
		return "provider"
	case RoleProbe:
		return "probe"
	default:
		return fmt.Sprintf("role(0x%02x)", uint8(r))
	}
}

// ParseRole converts a role name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "provider":
		return RoleProvider, nil
	case "probe":
		return RoleProbe, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// AuthStatus is the result of an authentication handshake.
type AuthStatus uint8

const (
	AuthSuccess      AuthStatus = 0
	AuthInvalidToken AuthStatus = 1
	AuthExpired      AuthStatus = 2
	AuthMalformed    AuthStatus = 3
	AuthUnauthorized AuthStatus = 4
)

func (s AuthStatus) valid() bool {
	return s <= AuthUnauthorized
}

func (s AuthStatus) String() string {
	switch s {
	case AuthSuccess:
		return "success"
	case AuthInvalidToken:
		return "invalid_token"
	case AuthExpired:
		return "expired"
	case AuthMalformed:
		return "malformed"
	case AuthUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("auth_status(0x%02x)", uint8(s))
	}
}

// ConnectStatus is the outcome of a probe's connect request.
type ConnectStatus uint8

const (
	ConnectSuccess          ConnectStatus = 0
	ConnectNotFound         ConnectStatus = 1
	ConnectProviderBusy     ConnectStatus = 2
	ConnectProviderRejected ConnectStatus = 3
	ConnectTimeout          ConnectStatus = 4
)

func (s ConnectStatus) valid() bool {
	return s <= ConnectTimeout
}

func (s ConnectStatus) String() string {
	switch s {
	case ConnectSuccess:
		return "success"
	case ConnectNotFound:
		return "not_found"
	case ConnectProviderBusy:
		return "provider_busy"
	case ConnectProviderRejected:
		return "provider_rejected"
	case ConnectTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("connect_status(0x%02x)", uint8(s))
	}
}

// IdentifierType tags the SIM identifier carried in a ConnectRequest.
type IdentifierType uint8

const (
	IdentifierIccid IdentifierType = 0
	IdentifierImsi  IdentifierType = 1
)

func (t IdentifierType) String() string {
	switch t {
	case IdentifierIccid:
		return "iccid"
	case IdentifierImsi:
		return "imsi"
	default:
		return fmt.Sprintf("identifier(0x%02x)", uint8(t))
	}
}

// Opcode is the Packet operation.
type Opcode uint8

const (
	OpApdu  Opcode = 0x00
	OpReset Opcode = 0x01
	OpAtr   Opcode = 0x02
)

func (o Opcode) valid() bool {
	return o <= OpAtr
}

func (o Opcode) String() string {
	switch o {
	case OpApdu:
		return "apdu"
	case OpReset:
		return "reset"
	case OpAtr:
		return "atr"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// Token is an opaque fixed-length credential.
type Token [TokenLength]byte

// ParseToken decodes a standard base64 token.
func ParseToken(s string) (Token, error) {
	var t Token
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("decode token: %w", err)
	}
	if len(raw) != TokenLength {
		return t, fmt.Errorf("token must be %d bytes, got %d", TokenLength, len(raw))
	}
	copy(t[:], raw)
	return t, nil
}

// Base64 returns the standard base64 encoding of t.
func (t Token) Base64() string {
	return base64.StdEncoding.EncodeToString(t[:])
}

// Equal compares two tokens in constant time.
func (t Token) Equal(other Token) bool {
	return subtle.ConstantTimeCompare(t[:], other[:]) == 1
}

// String returns a short fingerprint suitable for logs. The full token is
// never printed.
func (t Token) String() string {
	return hex.EncodeToString(t[:4]) + "…"
}
