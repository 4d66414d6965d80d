package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("tunnel.test", []string{"127.0.0.1"}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
	if len(cert.Certificate) != 1 {
		t.Errorf("chain length = %d", len(cert.Certificate))
	}
}

func TestListen_TLSRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	if err := GenerateAndSaveCert(certFile, keyFile, "localhost", []string{"127.0.0.1"}, time.Hour); err != nil {
		t.Fatalf("GenerateAndSaveCert: %v", err)
	}
	if info, err := os.Stat(keyFile); err != nil || info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, %v", info.Mode().Perm(), err)
	}

	serverTLS, err := ServerTLSConfig(certFile, keyFile, "")
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}
	ln, err := Listen(context.Background(), ListenerConfig{
		Address:        "127.0.0.1:0",
		TLS:            serverTLS,
		MaxConnections: 2,
		AcceptRate:     100,
		AcceptBurst:    2,
		KeepAlive:      KeepAlive{Enabled: true, Idle: time.Minute, Interval: 10 * time.Second, Count: 3},
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	clientTLS, err := ClientTLSConfig(certFile, "localhost", false)
	if err != nil {
		t.Fatalf("ClientTLSConfig: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, ln.Addr().String(), clientTLS)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Errorf("echo = %q, %v", buf, err)
	}
}

func TestListen_PlainWithoutLimits(t *testing.T) {
	ln, err := Listen(context.Background(), ListenerConfig{Address: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	if _, ok := ln.(*net.TCPListener); !ok {
		t.Errorf("listener type = %T, want *net.TCPListener", ln)
	}
}

func TestLoadCAPool_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ca.pem")
	os.WriteFile(path, []byte("not a cert"), 0600)
	if _, err := LoadCAPool(path); err == nil {
		t.Error("expected error for invalid CA bundle")
	}
	if _, err := ServerTLSConfig("missing.crt", "missing.key", ""); err == nil {
		t.Error("expected error for missing key pair")
	}
}
