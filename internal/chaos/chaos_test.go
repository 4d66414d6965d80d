package chaos

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestConn_FragmentDeliversAllBytes(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	f := NewFaultInjector(1, FaultConfig{Probability: 1, Type: FaultFragment, ChunkSize: 3})
	c := Wrap(client, f)

	payload := []byte("0123456789abcdef")
	go func() {
		c.Write(payload)
	}()

	got := make([]byte, len(payload))
	if _, err := io.ReadFull(server, got); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
	if f.Stats()[FaultFragment] != 1 {
		t.Errorf("stats = %v", f.Stats())
	}
}

func TestConn_Disconnect(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	c := Wrap(client, NewFaultInjector(1, FaultConfig{Probability: 1, Type: FaultDisconnect}))
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrInjected) {
		t.Fatalf("Write = %v, want ErrInjected", err)
	}
	if _, err := server.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("peer read = %v, want EOF", err)
	}
}

func TestConn_DelayAndDisable(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go io.Copy(io.Discard, server)

	f := NewFaultInjector(1, FaultConfig{Probability: 1, Type: FaultDelay, MinDelay: 50 * time.Millisecond, MaxDelay: 60 * time.Millisecond})
	c := Wrap(client, f)

	start := time.Now()
	c.Write([]byte("slow"))
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("write took %v, want at least 50ms", elapsed)
	}

	f.Disable()
	c.Write([]byte("fast"))
	if got := f.Stats()[FaultDelay]; got != 1 {
		t.Errorf("delay hits = %d, want 1", got)
	}
}

func TestFaultTypeString(t *testing.T) {
	for ft, want := range map[FaultType]string{
		FaultDisconnect: "disconnect",
		FaultDelay:      "delay",
		FaultFragment:   "fragment",
		FaultError:      "error",
		FaultType(42):   "unknown",
	} {
		if got := ft.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", ft, got, want)
		}
	}
}
