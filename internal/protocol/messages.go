package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// AuthRequest is the first message sent by every client.
//
//	Role  [1 byte]
//	Token [25 bytes]
type AuthRequest struct {
	Role  Role
	Token Token
}

// Encode serializes the request.
func (a *AuthRequest) Encode() []byte {
	buf := make([]byte, AuthRequestSize)
	buf[0] = uint8(a.Role)
	copy(buf[1:], a.Token[:])
	return buf
}

// AuthRequestBytesNeeded returns how many more bytes must be read before buf
// can be decoded.
func AuthRequestBytesNeeded(buf []byte) int {
	return fixedNeeded(buf, AuthRequestSize)
}

// DecodeAuthRequest deserializes an AuthRequest.
func DecodeAuthRequest(buf []byte) (*AuthRequest, error) {
	if len(buf) < AuthRequestSize {
		return nil, incomplete("auth request", AuthRequestSize-len(buf))
	}
	if len(buf) > AuthRequestSize {
		return nil, malformed("auth request has %d trailing bytes", len(buf)-AuthRequestSize)
	}
	role := Role(buf[0])
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %w: 0x%02x", ErrMalformed, ErrUnknownRole, buf[0])
	}
	a := &AuthRequest{Role: role}
	copy(a.Token[:], buf[1:])
	return a, nil
}

// AuthResponse carries the handshake outcome.
type AuthResponse struct {
	Status AuthStatus
}

// Encode serializes the response.
func (a *AuthResponse) Encode() []byte {
	return []byte{uint8(a.Status)}
}

// DecodeAuthResponse deserializes an AuthResponse.
func DecodeAuthResponse(buf []byte) (*AuthResponse, error) {
	b, err := decodeStatusByte("auth response", buf)
	if err != nil {
		return nil, err
	}
	s := AuthStatus(b)
	if !s.valid() {
		return nil, fmt.Errorf("%w: %w: auth 0x%02x", ErrMalformed, ErrUnknownStatus, b)
	}
	return &AuthResponse{Status: s}, nil
}

// ConnectRequest asks for a tunnel to the SIM named by Identifier. The same
// message is forwarded by the broker to the chosen provider.
//
//	Type  [1 byte]
//	IMSI:  digits [15 bytes, NUL-padded]
//	ICCID: length [1 byte] digits [length bytes]
type ConnectRequest struct {
	Identifier Identifier
}

// Encode serializes the request after validating the identifier.
func (c *ConnectRequest) Encode() ([]byte, error) {
	if err := c.Identifier.Validate(); err != nil {
		return nil, err
	}
	switch c.Identifier.Type {
	case IdentifierImsi:
		buf := make([]byte, 1+ImsiFieldSize)
		buf[0] = uint8(IdentifierImsi)
		copy(buf[1:], c.Identifier.Value)
		return buf, nil
	default:
		buf := make([]byte, 2+len(c.Identifier.Value))
		buf[0] = uint8(IdentifierIccid)
		buf[1] = uint8(len(c.Identifier.Value))
		copy(buf[2:], c.Identifier.Value)
		return buf, nil
	}
}

// ConnectRequestBytesNeeded returns how many more bytes must be read before
// buf can be decoded. It returns 0 once buf is complete or is already known
// to be malformed.
func ConnectRequestBytesNeeded(buf []byte) int {
	if len(buf) < 1 {
		return 1
	}
	switch IdentifierType(buf[0]) {
	case IdentifierImsi:
		return fixedNeeded(buf, 1+ImsiFieldSize)
	case IdentifierIccid:
		if len(buf) < 2 {
			return 2 - len(buf)
		}
		n := int(buf[1])
		if n < MinIccidDigits || n > MaxIccidDigits {
			return 0
		}
		return fixedNeeded(buf, 2+n)
	default:
		return 0
	}
}

// DecodeConnectRequest deserializes a ConnectRequest.
func DecodeConnectRequest(buf []byte) (*ConnectRequest, error) {
	if len(buf) < 1 {
		return nil, incomplete("connect request", 1)
	}

	var (
		id   Identifier
		size int
	)
	switch t := IdentifierType(buf[0]); t {
	case IdentifierImsi:
		size = 1 + ImsiFieldSize
		if len(buf) < size {
			return nil, incomplete("connect request", size-len(buf))
		}
		field := bytes.TrimRight(buf[1:size], "\x00")
		id = Identifier{Type: t, Value: string(field)}
	case IdentifierIccid:
		if len(buf) < 2 {
			return nil, incomplete("connect request", 2-len(buf))
		}
		n := int(buf[1])
		if n < MinIccidDigits || n > MaxIccidDigits {
			return nil, malformed("iccid length %d out of range", n)
		}
		size = 2 + n
		if len(buf) < size {
			return nil, incomplete("connect request", size-len(buf))
		}
		id = Identifier{Type: t, Value: string(buf[2:size])}
	default:
		return nil, fmt.Errorf("%w: %w: 0x%02x", ErrMalformed, ErrUnknownIdentifierType, buf[0])
	}

	if len(buf) > size {
		return nil, malformed("connect request has %d trailing bytes", len(buf)-size)
	}
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &ConnectRequest{Identifier: id}, nil
}

// ConnectResponse carries a ConnectStatus. Providers send it to accept or
// refuse a request; the broker sends it to both sides with the outcome.
type ConnectResponse struct {
	Status ConnectStatus
}

// Encode serializes the response.
func (c *ConnectResponse) Encode() []byte {
	return []byte{uint8(c.Status)}
}

// DecodeConnectResponse deserializes a ConnectResponse.
func DecodeConnectResponse(buf []byte) (*ConnectResponse, error) {
	b, err := decodeStatusByte("connect response", buf)
	if err != nil {
		return nil, err
	}
	s := ConnectStatus(b)
	if !s.valid() {
		return nil, fmt.Errorf("%w: %w: connect 0x%02x", ErrMalformed, ErrUnknownStatus, b)
	}
	return &ConnectResponse{Status: s}, nil
}

// Packet is the framed APDU exchange unit relayed between probe and provider.
//
//	Version [1 byte]
//	Opcode  [1 byte]
//	Length  [4 bytes]
//	Payload [Length bytes]
type Packet struct {
	Version uint8
	Opcode  Opcode
	Payload []byte
}

// NewPacket returns a Packet with the current protocol version.
func NewPacket(op Opcode, payload []byte) *Packet {
	return &Packet{Version: ProtocolVersion, Opcode: op, Payload: payload}
}

// Encode serializes the packet. Packets DecodePacket would reject are
// refused.
func (p *Packet) Encode() ([]byte, error) {
	if p.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	if !p.Opcode.valid() {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(p.Opcode))
	}
	if len(p.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, PacketHeaderSize+len(p.Payload))
	buf[0] = p.Version
	buf[1] = uint8(p.Opcode)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(p.Payload)))
	copy(buf[PacketHeaderSize:], p.Payload)
	return buf, nil
}

// Size returns the encoded length of the packet.
func (p *Packet) Size() int {
	return PacketHeaderSize + len(p.Payload)
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{Version=%d, Opcode=%s, PayloadLen=%d}", p.Version, p.Opcode, len(p.Payload))
}

// PacketBytesNeeded returns how many more bytes must be read before buf can
// be decoded. It returns 0 once buf is complete or the declared length is
// already too large.
func PacketBytesNeeded(buf []byte) int {
	if len(buf) < PacketHeaderSize {
		return PacketHeaderSize - len(buf)
	}
	length := binary.BigEndian.Uint32(buf[2:6])
	if length > MaxPayloadSize {
		return 0
	}
	return fixedNeeded(buf, PacketHeaderSize+int(length))
}

// DecodePacket deserializes a Packet.
func DecodePacket(buf []byte) (*Packet, error) {
	if len(buf) < PacketHeaderSize {
		return nil, incomplete("packet header", PacketHeaderSize-len(buf))
	}
	if buf[0] != ProtocolVersion {
		return nil, fmt.Errorf("%w: %w: %d", ErrMalformed, ErrUnsupportedVersion, buf[0])
	}
	op := Opcode(buf[1])
	if !op.valid() {
		return nil, fmt.Errorf("%w: %w: 0x%02x", ErrMalformed, ErrUnknownOpcode, buf[1])
	}
	length := binary.BigEndian.Uint32(buf[2:6])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %w: %d bytes", ErrMalformed, ErrFrameTooLarge, length)
	}
	size := PacketHeaderSize + int(length)
	if len(buf) < size {
		return nil, incomplete("packet payload", size-len(buf))
	}
	if len(buf) > size {
		return nil, malformed("packet has %d trailing bytes", len(buf)-size)
	}

	payload := make([]byte, length)
	copy(payload, buf[PacketHeaderSize:])
	return &Packet{Version: buf[0], Opcode: op, Payload: payload}, nil
}

func fixedNeeded(buf []byte, size int) int {
	if len(buf) >= size {
		return 0
	}
	return size - len(buf)
}

func decodeStatusByte(msg string, buf []byte) (uint8, error) {
	if len(buf) < 1 {
		return 0, incomplete(msg, 1)
	}
	if len(buf) > 1 {
		return 0, malformed("%s has %d trailing bytes", msg, len(buf)-1)
	}
	return buf[0], nil
}
