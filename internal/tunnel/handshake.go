package tunnel

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

var (
	// ErrHandshakeMismatch is returned when the received secret differs from the configured one.
	ErrHandshakeMismatch = errors.New("handshake mismatch")
	// ErrHandshakeIncomplete is returned when the stream ends or fails before the full secret arrived.
	ErrHandshakeIncomplete = errors.New("handshake incomplete")
	// ErrEmptySecret is returned when no secret is configured.
	ErrEmptySecret = errors.New("empty handshake secret")
)

// Validate reads exactly len(secret) bytes from r and compares them with
// secret. Nothing past the secret is consumed.
func Validate(r io.Reader, secret []byte) error {
	if len(secret) == 0 {
		return ErrEmptySecret
	}
	got := make([]byte, len(secret))
	if n, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("%w: read %d of %d bytes: %w", ErrHandshakeIncomplete, n, len(secret), err)
	}
	if subtle.ConstantTimeCompare(got, secret) != 1 {
		return ErrHandshakeMismatch
	}
	return nil
}

// Send writes the whole secret to w. There is no framing and no reply.
func Send(w io.Writer, secret []byte) error {
	if len(secret) == 0 {
		return ErrEmptySecret
	}
	if err := writeFull(w, secret); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	return nil
}

// HandshakeReason maps a Validate error to a short label for metrics and logs.
func HandshakeReason(err error) string {
	var ne net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHandshakeMismatch):
		return "mismatch"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return "timeout"
	case errors.Is(err, ErrHandshakeIncomplete):
		return "incomplete"
	default:
		return "error"
	}
}
