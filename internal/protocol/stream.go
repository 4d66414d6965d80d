package protocol

import (
	"io"
	"sync"
)

// Reader reads whole messages from a stream. It asks each message's
// bytes-needed function how much to read next, so it never consumes bytes
// belonging to the following message.
type Reader struct {
	r io.Reader
}

// NewReader creates a Reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// readMessage returns io.EOF only if the stream ended before the first
// byte of a message; a stream that ends mid-message yields
// io.ErrUnexpectedEOF.
func (mr *Reader) readMessage(needed func([]byte) int) ([]byte, error) {
	var buf []byte
	for {
		n := needed(buf)
		if n == 0 {
			return buf, nil
		}
		start := len(buf)
		buf = append(buf, make([]byte, n)...)
		if _, err := io.ReadFull(mr.r, buf[start:]); err != nil {
			if err == io.EOF && start > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// ReadAuthRequest reads and decodes an AuthRequest.
func (mr *Reader) ReadAuthRequest() (*AuthRequest, error) {
	buf, err := mr.readMessage(AuthRequestBytesNeeded)
	if err != nil {
		return nil, err
	}
	return DecodeAuthRequest(buf)
}

// ReadAuthResponse reads and decodes an AuthResponse.
func (mr *Reader) ReadAuthResponse() (*AuthResponse, error) {
	buf, err := mr.readMessage(oneByte)
	if err != nil {
		return nil, err
	}
	return DecodeAuthResponse(buf)
}

// ReadConnectRequest reads and decodes a ConnectRequest.
func (mr *Reader) ReadConnectRequest() (*ConnectRequest, error) {
	buf, err := mr.readMessage(ConnectRequestBytesNeeded)
	if err != nil {
		return nil, err
	}
	return DecodeConnectRequest(buf)
}

// ReadConnectResponse reads and decodes a ConnectResponse.
func (mr *Reader) ReadConnectResponse() (*ConnectResponse, error) {
	buf, err := mr.readMessage(oneByte)
	if err != nil {
		return nil, err
	}
	return DecodeConnectResponse(buf)
}

// ReadPacket reads and decodes a Packet.
func (mr *Reader) ReadPacket() (*Packet, error) {
	buf, err := mr.readMessage(PacketBytesNeeded)
	if err != nil {
		return nil, err
	}
	return DecodePacket(buf)
}

func oneByte(buf []byte) int {
	return fixedNeeded(buf, 1)
}

// Writer writes whole messages to a stream. It is safe for concurrent use;
// messages are never interleaved.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (mw *Writer) write(data []byte) error {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	_, err := mw.w.Write(data)
	return err
}

// WriteAuthRequest writes an AuthRequest.
func (mw *Writer) WriteAuthRequest(a *AuthRequest) error {
	return mw.write(a.Encode())
}

// WriteAuthResponse writes an AuthResponse with the given status.
func (mw *Writer) WriteAuthResponse(status AuthStatus) error {
	return mw.write((&AuthResponse{Status: status}).Encode())
}

// WriteConnectRequest writes a ConnectRequest.
func (mw *Writer) WriteConnectRequest(c *ConnectRequest) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	return mw.write(data)
}

// WriteConnectResponse writes a ConnectResponse with the given status.
func (mw *Writer) WriteConnectResponse(status ConnectStatus) error {
	return mw.write((&ConnectResponse{Status: status}).Encode())
}

// WritePacket writes a Packet.
func (mw *Writer) WritePacket(p *Packet) error {
	data, err := p.Encode()
	if err != nil {
		return err
	}
	return mw.write(data)
}
