package common

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net"
	"time"
)

// SecretEqual performs constant-time comparison of two credentials.
func SecretEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// GeneratePassword returns a random URL-safe password built from n random bytes.
func GeneratePassword(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// SetReadDeadline sets a read deadline timeout from now.
func SetReadDeadline(conn net.Conn, timeout time.Duration) error {
	return conn.SetReadDeadline(time.Now().Add(timeout))
}

// SetWriteDeadline sets a write deadline timeout from now.
func SetWriteDeadline(conn net.Conn, timeout time.Duration) error {
	return conn.SetWriteDeadline(time.Now().Add(timeout))
}

// ClearDeadline removes any read and write deadline.
func ClearDeadline(conn net.Conn) error {
	return conn.SetDeadline(time.Time{})
}
