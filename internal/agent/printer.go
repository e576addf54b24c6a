package agent

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"time"
)

// decodeJobData turns a task's data field into raw printer bytes. Base64 is
// the wire default; anything else is passed through as-is.
func decodeJobData(data, encoding string) ([]byte, error) {
	if encoding == "" || encoding == "base64" {
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode print data: %w", err)
		}
		return raw, nil
	}
	return []byte(data), nil
}

// pushToPrinter opens a TCP connection to the printer and writes the job
// bytes. ESC/POS printers on port 9100 accept a raw byte stream with no
// framing, so a full write is success.
func pushToPrinter(ctx context.Context, host string, port int, data []byte, timeout time.Duration) (int, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}

	n, err := conn.Write(data)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", addr, err)
	}
	return n, nil
}
