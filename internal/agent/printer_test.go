package agent

import (
	"context"
	"encoding/base64"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakePrinter accepts one TCP connection and records everything written.
func fakePrinter(t *testing.T) (string, int, <-chan []byte) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		data, _ := io.ReadAll(conn)
		received <- data
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, received
}

func TestPushToPrinter(t *testing.T) {
	host, port, received := fakePrinter(t)

	payload := []byte{0x1b, 0x40, 'h', 'e', 'l', 'l', 'o'}
	n, err := pushToPrinter(context.Background(), host, port, payload, 2*time.Second)
	if err != nil {
		t.Fatalf("pushToPrinter: %v", err)
	}
	if n != len(payload) {
		t.Errorf("expected %d bytes sent, got %d", len(payload), n)
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Error("printer received corrupted bytes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("printer never received the job")
	}
}

func TestPushToPrinterUnreachable(t *testing.T) {
	// Grab a free port and close it so nothing listens there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	_, err = pushToPrinter(context.Background(), "127.0.0.1", port, []byte("x"), 500*time.Millisecond)
	if err == nil {
		t.Fatal("expected connect error")
	}
	if !strings.Contains(err.Error(), "connect 127.0.0.1:"+strconv.Itoa(port)) {
		t.Errorf("error should name the address, got %v", err)
	}
}

func TestDecodeJobData(t *testing.T) {
	raw := []byte{0x1b, 0x40, 0x00, 0xff}

	decoded, err := decodeJobData(base64.StdEncoding.EncodeToString(raw), "base64")
	if err != nil {
		t.Fatalf("decodeJobData base64: %v", err)
	}
	if string(decoded) != string(raw) {
		t.Error("base64 round trip corrupted bytes")
	}

	// Empty encoding defaults to base64
	if _, err := decodeJobData("not base64!!!", ""); err == nil {
		t.Error("expected error for invalid base64")
	}

	// Explicit non-base64 encoding passes through
	decoded, err = decodeJobData("plain text", "utf8")
	if err != nil {
		t.Fatalf("decodeJobData utf8: %v", err)
	}
	if string(decoded) != "plain text" {
		t.Error("passthrough corrupted data")
	}
}
