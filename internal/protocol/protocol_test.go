package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
)

func testToken(seed byte) Token {
	var t Token
	for i := range t {
		t[i] = seed + byte(i)
	}
	return t
}

func mustImsi(t *testing.T, s string) Identifier {
	t.Helper()
	id, err := NewImsi(s)
	if err != nil {
		t.Fatalf("NewImsi(%q): %v", s, err)
	}
	return id
}

func mustIccid(t *testing.T, s string) Identifier {
	t.Helper()
	id, err := NewIccid(s)
	if err != nil {
		t.Fatalf("NewIccid(%q): %v", s, err)
	}
	return id
}

func TestPacket_ConformanceVector(t *testing.T) {
	want := []byte{0x00, 0x02, 0x00, 0x00, 0x00, 0x07, 'P', 'a', 'y', 'l', 'o', 'a', 'd'}

	p := &Packet{Version: 0, Opcode: OpAtr, Payload: []byte("Payload")}
	got, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode = % x, want % x", got, want)
	}

	decoded, err := DecodePacket(want)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if decoded.Version != 0 || decoded.Opcode != OpAtr || string(decoded.Payload) != "Payload" {
		t.Errorf("DecodePacket = %v", decoded)
	}
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		encode func() ([]byte, error)
		decode func([]byte) (any, error)
		check  func(any) bool
	}{
		{
			name:   "auth request probe",
			encode: func() ([]byte, error) { return (&AuthRequest{Role: RoleProbe, Token: testToken(1)}).Encode(), nil },
			decode: func(b []byte) (any, error) { return DecodeAuthRequest(b) },
			check: func(v any) bool {
				a := v.(*AuthRequest)
				return a.Role == RoleProbe && a.Token == testToken(1)
			},
		},
		{
			name:   "auth response expired",
			encode: func() ([]byte, error) { return (&AuthResponse{Status: AuthExpired}).Encode(), nil },
			decode: func(b []byte) (any, error) { return DecodeAuthResponse(b) },
			check:  func(v any) bool { return v.(*AuthResponse).Status == AuthExpired },
		},
		{
			name:   "connect request imsi",
			encode: func() ([]byte, error) { return (&ConnectRequest{Identifier: mustImsi(t, "232010000000001")}).Encode() },
			decode: func(b []byte) (any, error) { return DecodeConnectRequest(b) },
			check: func(v any) bool {
				return v.(*ConnectRequest).Identifier == Identifier{Type: IdentifierImsi, Value: "232010000000001"}
			},
		},
		{
			name:   "connect request short imsi",
			encode: func() ([]byte, error) { return (&ConnectRequest{Identifier: mustImsi(t, "23201")}).Encode() },
			decode: func(b []byte) (any, error) { return DecodeConnectRequest(b) },
			check: func(v any) bool {
				return v.(*ConnectRequest).Identifier == Identifier{Type: IdentifierImsi, Value: "23201"}
			},
		},
		{
			name:   "connect request iccid",
			encode: func() ([]byte, error) { return (&ConnectRequest{Identifier: mustIccid(t, "89430103202100000012")}).Encode() },
			decode: func(b []byte) (any, error) { return DecodeConnectRequest(b) },
			check: func(v any) bool {
				return v.(*ConnectRequest).Identifier == Identifier{Type: IdentifierIccid, Value: "89430103202100000012"}
			},
		},
		{
			name:   "connect response busy",
			encode: func() ([]byte, error) { return (&ConnectResponse{Status: ConnectProviderBusy}).Encode(), nil },
			decode: func(b []byte) (any, error) { return DecodeConnectResponse(b) },
			check:  func(v any) bool { return v.(*ConnectResponse).Status == ConnectProviderBusy },
		},
		{
			name:   "packet empty payload",
			encode: func() ([]byte, error) { return NewPacket(OpReset, nil).Encode() },
			decode: func(b []byte) (any, error) { return DecodePacket(b) },
			check: func(v any) bool {
				p := v.(*Packet)
				return p.Opcode == OpReset && len(p.Payload) == 0
			},
		},
		{
			name:   "packet apdu",
			encode: func() ([]byte, error) { return NewPacket(OpApdu, []byte{0x00, 0xA4, 0x04, 0x00}).Encode() },
			decode: func(b []byte) (any, error) { return DecodePacket(b) },
			check: func(v any) bool {
				p := v.(*Packet)
				return p.Opcode == OpApdu && bytes.Equal(p.Payload, []byte{0x00, 0xA4, 0x04, 0x00})
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := tc.encode()
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			v, err := tc.decode(buf)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !tc.check(v) {
				t.Errorf("round trip mismatch: %+v", v)
			}

			// Every strict prefix must report the exact number of missing bytes.
			for i := 0; i < len(buf); i++ {
				_, err := tc.decode(buf[:i])
				if !errors.Is(err, ErrIncomplete) {
					t.Fatalf("prefix %d/%d: err = %v, want ErrIncomplete", i, len(buf), err)
				}
				if Missing(err) <= 0 || i+Missing(err) > len(buf) {
					t.Errorf("prefix %d/%d: Missing = %d", i, len(buf), Missing(err))
				}
			}
		})
	}
}

func TestBytesNeeded(t *testing.T) {
	pkt, _ := NewPacket(OpApdu, []byte("abcdef")).Encode()
	for i := 0; i <= len(pkt); i++ {
		need := PacketBytesNeeded(pkt[:i])
		if i < PacketHeaderSize && need != PacketHeaderSize-i {
			t.Errorf("PacketBytesNeeded(%d) = %d, want %d", i, need, PacketHeaderSize-i)
		}
		if i >= PacketHeaderSize && need != len(pkt)-i {
			t.Errorf("PacketBytesNeeded(%d) = %d, want %d", i, need, len(pkt)-i)
		}
	}

	iccid, _ := (&ConnectRequest{Identifier: mustIccid(t, "8943010320")}).Encode()
	if got := ConnectRequestBytesNeeded(nil); got != 1 {
		t.Errorf("ConnectRequestBytesNeeded(nil) = %d, want 1", got)
	}
	if got := ConnectRequestBytesNeeded(iccid[:1]); got != 1 {
		t.Errorf("ConnectRequestBytesNeeded(type only) = %d, want 1", got)
	}
	if got := ConnectRequestBytesNeeded(iccid[:2]); got != 10 {
		t.Errorf("ConnectRequestBytesNeeded(type+len) = %d, want 10", got)
	}
	if got := ConnectRequestBytesNeeded(iccid); got != 0 {
		t.Errorf("ConnectRequestBytesNeeded(full) = %d, want 0", got)
	}
	if got := ConnectRequestBytesNeeded([]byte{0x07}); got != 0 {
		t.Errorf("ConnectRequestBytesNeeded(unknown type) = %d, want 0", got)
	}
	if got := AuthRequestBytesNeeded([]byte{1, 2, 3}); got != AuthRequestSize-3 {
		t.Errorf("AuthRequestBytesNeeded = %d, want %d", got, AuthRequestSize-3)
	}
}

func TestDecode_Malformed(t *testing.T) {
	validAuth := (&AuthRequest{Role: RoleProvider, Token: testToken(9)}).Encode()
	badRole := append([]byte{}, validAuth...)
	badRole[0] = 0x07

	oversized := make([]byte, PacketHeaderSize)
	binary.BigEndian.PutUint32(oversized[2:], MaxPayloadSize+1)

	imsiLetters := append([]byte{byte(IdentifierImsi)}, []byte("23201ABCDE00000")...)
	imsiInnerNul := append([]byte{byte(IdentifierImsi)}, []byte("23201\x00123456789")...)
	imsiShort := append([]byte{byte(IdentifierImsi)}, []byte("2320\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")...)

	tests := []struct {
		name   string
		decode func() error
		target error
	}{
		{"auth unknown role", func() error { _, err := DecodeAuthRequest(badRole); return err }, ErrUnknownRole},
		{"auth trailing", func() error { _, err := DecodeAuthRequest(append(validAuth, 0)); return err }, ErrMalformed},
		{"auth response unknown status", func() error { _, err := DecodeAuthResponse([]byte{9}); return err }, ErrUnknownStatus},
		{"connect response trailing", func() error { _, err := DecodeConnectResponse([]byte{0, 0}); return err }, ErrMalformed},
		{"connect response unknown", func() error { _, err := DecodeConnectResponse([]byte{0x42}); return err }, ErrUnknownStatus},
		{"connect unknown identifier type", func() error { _, err := DecodeConnectRequest([]byte{0x05, 1, 2}); return err }, ErrUnknownIdentifierType},
		{"iccid length too small", func() error { _, err := DecodeConnectRequest([]byte{0x00, 4, '1', '2', '3', '4'}); return err }, ErrMalformed},
		{"iccid length too large", func() error { _, err := DecodeConnectRequest([]byte{0x00, 21}); return err }, ErrMalformed},
		{"imsi letters", func() error { _, err := DecodeConnectRequest(imsiLetters); return err }, ErrInvalidIdentifier},
		{"imsi inner nul", func() error { _, err := DecodeConnectRequest(imsiInnerNul); return err }, ErrInvalidIdentifier},
		{"imsi too short", func() error { _, err := DecodeConnectRequest(imsiShort); return err }, ErrInvalidIdentifier},
		{"packet bad version", func() error { _, err := DecodePacket([]byte{1, 0, 0, 0, 0, 0}); return err }, ErrUnsupportedVersion},
		{"packet unknown opcode", func() error { _, err := DecodePacket([]byte{0, 0x09, 0, 0, 0, 0}); return err }, ErrUnknownOpcode},
		{"packet too large", func() error { _, err := DecodePacket(oversized); return err }, ErrFrameTooLarge},
		{"packet trailing", func() error { _, err := DecodePacket([]byte{0, 0, 0, 0, 0, 1, 'a', 'b'}); return err }, ErrMalformed},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.decode()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
			if !errors.Is(err, tc.target) {
				t.Errorf("err = %v, want %v", err, tc.target)
			}
			if errors.Is(err, ErrIncomplete) {
				t.Errorf("err = %v must not be incomplete", err)
			}
		})
	}
}

func TestPacketEncode_TooLarge(t *testing.T) {
	_, err := NewPacket(OpApdu, make([]byte, MaxPayloadSize+1)).Encode()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Encode err = %v, want ErrFrameTooLarge", err)
	}
}

func TestPacketEncode_RejectsUndecodable(t *testing.T) {
	tests := []struct {
		name string
		p    *Packet
		want error
	}{
		{"version", &Packet{Version: 1, Opcode: OpApdu, Payload: []byte{1}}, ErrUnsupportedVersion},
		{"opcode", &Packet{Version: ProtocolVersion, Opcode: Opcode(7), Payload: []byte{1}}, ErrUnknownOpcode},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			buf, err := tc.p.Encode()
			if !errors.Is(err, tc.want) {
				t.Fatalf("Encode = %x, %v, want %v", buf, err, tc.want)
			}
			var out bytes.Buffer
			if err := NewWriter(&out).WritePacket(tc.p); !errors.Is(err, tc.want) {
				t.Errorf("WritePacket err = %v, want %v", err, tc.want)
			}
			if out.Len() != 0 {
				t.Errorf("WritePacket wrote %d bytes", out.Len())
			}
		})
	}
}

func TestIdentifier_Validate(t *testing.T) {
	tests := []struct {
		kind, value string
		ok          bool
	}{
		{"imsi", "12345", true},
		{"imsi", "123456789012345", true},
		{"imsi", "1234", false},
		{"imsi", "1234567890123456", false},
		{"iccid", "12345678901234567890", true},
		{"iccid", "123456789012345678901", false},
		{"iccid", "12a45", false},
		{"msisdn", "12345", false},
	}
	for _, tc := range tests {
		_, err := ParseIdentifier(tc.kind, tc.value)
		if (err == nil) != tc.ok {
			t.Errorf("ParseIdentifier(%q, %q) err = %v, want ok=%v", tc.kind, tc.value, err, tc.ok)
		}
	}
}

func TestToken(t *testing.T) {
	tok := testToken(3)
	parsed, err := ParseToken(tok.Base64())
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if !parsed.Equal(tok) {
		t.Error("parsed token differs")
	}
	if parsed.Equal(testToken(4)) {
		t.Error("distinct tokens compared equal")
	}
	if _, err := ParseToken("c2hvcnQ="); err == nil {
		t.Error("expected error for short token")
	}
	if _, err := ParseToken("!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if strings.Contains(tok.String(), tok.Base64()) {
		t.Error("String must not reveal the token")
	}
}

func TestReader_ConsecutiveMessages(t *testing.T) {
	var stream bytes.Buffer
	w := NewWriter(&stream)

	if err := w.WriteAuthRequest(&AuthRequest{Role: RoleProbe, Token: testToken(7)}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteConnectRequest(&ConnectRequest{Identifier: mustIccid(t, "894301032021")}); err != nil {
		t.Fatal(err)
	}
	if err := w.WritePacket(NewPacket(OpApdu, []byte{1, 2, 3})); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteConnectResponse(ConnectTimeout); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&stream)
	auth, err := r.ReadAuthRequest()
	if err != nil || auth.Role != RoleProbe {
		t.Fatalf("ReadAuthRequest = %v, %v", auth, err)
	}
	conn, err := r.ReadConnectRequest()
	if err != nil || conn.Identifier.Value != "894301032021" {
		t.Fatalf("ReadConnectRequest = %v, %v", conn, err)
	}
	pkt, err := r.ReadPacket()
	if err != nil || !bytes.Equal(pkt.Payload, []byte{1, 2, 3}) {
		t.Fatalf("ReadPacket = %v, %v", pkt, err)
	}
	resp, err := r.ReadConnectResponse()
	if err != nil || resp.Status != ConnectTimeout {
		t.Fatalf("ReadConnectResponse = %v, %v", resp, err)
	}
	if _, err := r.ReadPacket(); err != io.EOF {
		t.Errorf("ReadPacket at end = %v, want io.EOF", err)
	}
}

func TestReader_TruncatedStream(t *testing.T) {
	full, _ := NewPacket(OpApdu, []byte("hello")).Encode()
	r := NewReader(bytes.NewReader(full[:8]))
	if _, err := r.ReadPacket(); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadPacket = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReader_MalformedStopsEarly(t *testing.T) {
	// Unknown identifier type: nothing past the type byte is consumed.
	src := bytes.NewReader([]byte{0x09, 'r', 'e', 's', 't'})
	r := NewReader(src)
	if _, err := r.ReadConnectRequest(); !errors.Is(err, ErrUnknownIdentifierType) {
		t.Fatalf("ReadConnectRequest = %v", err)
	}
	if src.Len() != 4 {
		t.Errorf("reader consumed %d extra bytes", 4-src.Len())
	}
}

type chunkWriter struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, append([]byte(nil), p...))
	return len(p), nil
}

func TestWriter_ConcurrentWritesStayWhole(t *testing.T) {
	cw := &chunkWriter{}
	w := NewWriter(cw)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = w.WritePacket(NewPacket(OpApdu, bytes.Repeat([]byte{byte(i)}, 64)))
		}(i)
	}
	wg.Wait()

	if len(cw.chunks) != 20 {
		t.Fatalf("got %d writes, want 20", len(cw.chunks))
	}
	for _, c := range cw.chunks {
		p, err := DecodePacket(c)
		if err != nil {
			t.Fatalf("DecodePacket: %v", err)
		}
		if !bytes.Equal(p.Payload, bytes.Repeat(p.Payload[:1], 64)) {
			t.Error("interleaved payload")
		}
	}
}

func TestStringers(t *testing.T) {
	if RoleProbe.String() != "probe" || Role(9).String() != "role(0x09)" {
		t.Error("Role.String")
	}
	if ConnectProviderRejected.String() != "provider_rejected" {
		t.Error("ConnectStatus.String")
	}
	if AuthUnauthorized.String() != "unauthorized" {
		t.Error("AuthStatus.String")
	}
	if OpAtr.String() != "atr" {
		t.Error("Opcode.String")
	}
	if r, err := ParseRole("provider"); err != nil || r != RoleProvider {
		t.Errorf("ParseRole = %v, %v", r, err)
	}
	if _, err := ParseRole("admin"); !errors.Is(err, ErrUnknownRole) {
		t.Errorf("ParseRole(admin) = %v", err)
	}
}
