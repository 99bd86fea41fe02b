// Package proto implements the dbpool binary protocol spoken between the
// network drivers and the backend: the HELLO / HELLO_RESP handshake that
// authenticates a connection, and the length-prefixed frames exchanged after it.
package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	MagicValue = "DBP1"
	Version    = 0x01
)

// Hello flags.
const (
	// FlagMultiplex asks the backend to run a yamux session over the connection.
	FlagMultiplex = 1 << 0
)

const (
	MaxUsernameLen   = 64
	MaxPasswordLen   = 255
	MaxDatabaseLen   = 64
	MinDatabaseLen   = 1
	MaxHelloSize     = 1024
	MaxSessionIDLen  = 64
	MaxMessageLen    = 255
	MaxFramePayload  = 65535
	MinFramePayload  = 1
	headerFixedBytes = 4 + 1 + 1
)

var (
	ErrInvalidMagic       = errors.New("invalid MAGIC field")
	ErrInvalidVersion     = errors.New("invalid VERSION field")
	ErrInvalidUsernameLen = errors.New("username length must be 0-64 bytes")
	ErrInvalidPasswordLen = errors.New("password length must be 0-255 bytes")
	ErrInvalidDatabaseLen = errors.New("database length must be 1-64 bytes")
	ErrInvalidSessionLen  = errors.New("session id length must be 0-64 bytes")
	ErrInvalidMessageLen  = errors.New("message length must be 0-255 bytes")
	ErrInvalidFrameLen    = errors.New("frame payload must be 1-65535 bytes")
	ErrMessageTooLarge    = errors.New("message exceeds maximum size")
)

// Hello is the first message a driver sends on a new connection.
type Hello struct {
	Magic    [4]byte // "DBP1"
	Version  uint8
	Flags    uint8
	Username string
	Password string
	Database string
}

// NewHello returns a Hello with the magic and version filled in.
func NewHello(username, password, database string, flags uint8) Hello {
	h := Hello{
		Version:  Version,
		Flags:    flags,
		Username: username,
		Password: password,
		Database: database,
	}
	copy(h.Magic[:], MagicValue)
	return h
}

// Multiplexed reports whether the hello requests a yamux session.
func (h Hello) Multiplexed() bool {
	return h.Flags&FlagMultiplex != 0
}

// WriteHello encodes and writes a HELLO message in a single write.
func WriteHello(w io.Writer, h Hello) error {
	if string(h.Magic[:]) != MagicValue {
		return ErrInvalidMagic
	}
	if h.Version != Version {
		return ErrInvalidVersion
	}
	if len(h.Username) > MaxUsernameLen {
		return ErrInvalidUsernameLen
	}
	if len(h.Password) > MaxPasswordLen {
		return ErrInvalidPasswordLen
	}
	if len(h.Database) < MinDatabaseLen || len(h.Database) > MaxDatabaseLen {
		return ErrInvalidDatabaseLen
	}

	totalSize := headerFixedBytes + 1 + len(h.Username) + 1 + len(h.Password) + 1 + len(h.Database)
	if totalSize > MaxHelloSize {
		return ErrMessageTooLarge
	}

	buf := make([]byte, 0, totalSize)
	buf = append(buf, h.Magic[:]...)
	buf = append(buf, h.Version, h.Flags)
	buf = appendString8(buf, h.Username)
	buf = appendString8(buf, h.Password)
	buf = appendString8(buf, h.Database)

	_, err := w.Write(buf)
	return err
}

// ReadHello reads and decodes a HELLO message.
func ReadHello(r io.Reader) (Hello, error) {
	var h Hello

	if _, err := io.ReadFull(r, h.Magic[:]); err != nil {
		return h, err
	}
	if string(h.Magic[:]) != MagicValue {
		return h, ErrInvalidMagic
	}

	var fixed [2]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return h, err
	}
	h.Version, h.Flags = fixed[0], fixed[1]
	if h.Version != Version {
		return h, ErrInvalidVersion
	}

	var err error
	if h.Username, err = readString8(r, 0, MaxUsernameLen, ErrInvalidUsernameLen); err != nil {
		return h, err
	}
	if h.Password, err = readString8(r, 0, MaxPasswordLen, ErrInvalidPasswordLen); err != nil {
		return h, err
	}
	if h.Database, err = readString8(r, MinDatabaseLen, MaxDatabaseLen, ErrInvalidDatabaseLen); err != nil {
		return h, err
	}

	return h, nil
}

// Status codes for HELLO_RESP
const (
	StatusOK              = 0x00
	StatusAuthFail        = 0x01
	StatusBadRequest      = 0x02
	StatusUnknownDatabase = 0x03
	StatusBusy            = 0x04
	StatusServerInternal  = 0x05
)

// StatusText returns a short description of a HELLO_RESP status code.
func StatusText(status uint8) string {
	switch status {
	case StatusOK:
		return "ok"
	case StatusAuthFail:
		return "authentication failed"
	case StatusBadRequest:
		return "bad request"
	case StatusUnknownDatabase:
		return "unknown database"
	case StatusBusy:
		return "server busy"
	case StatusServerInternal:
		return "internal server error"
	default:
		return "unknown status"
	}
}

// HelloResp is the backend's answer to a Hello.
type HelloResp struct {
	Version   uint8
	Status    uint8
	SessionID string // assigned by the backend on success
	Message   string
}

// WriteHelloResp encodes and writes a HELLO_RESP message.
func WriteHelloResp(w io.Writer, h HelloResp) error {
	if h.Version != Version {
		return ErrInvalidVersion
	}
	if len(h.SessionID) > MaxSessionIDLen {
		return ErrInvalidSessionLen
	}
	if len(h.Message) > MaxMessageLen {
		return ErrInvalidMessageLen
	}

	buf := make([]byte, 0, 2+1+len(h.SessionID)+1+len(h.Message))
	buf = append(buf, h.Version, h.Status)
	buf = appendString8(buf, h.SessionID)
	buf = appendString8(buf, h.Message)

	_, err := w.Write(buf)
	return err
}

// ReadHelloResp reads and decodes a HELLO_RESP message.
func ReadHelloResp(r io.Reader) (HelloResp, error) {
	var h HelloResp

	var fixed [2]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return h, err
	}
	h.Version, h.Status = fixed[0], fixed[1]
	if h.Version != Version {
		return h, ErrInvalidVersion
	}

	var err error
	if h.SessionID, err = readString8(r, 0, MaxSessionIDLen, ErrInvalidSessionLen); err != nil {
		return h, err
	}
	if h.Message, err = readString8(r, 0, MaxMessageLen, ErrInvalidMessageLen); err != nil {
		return h, err
	}

	return h, nil
}

// WriteFrame writes payload prefixed with its uint16 length.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) < MinFramePayload || len(payload) > MaxFramePayload {
		return ErrInvalidFrameLen
	}

	buf := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(buf, uint16(len(payload)))
	copy(buf[2:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if n < MinFramePayload {
		return nil, ErrInvalidFrameLen
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func appendString8(buf []byte, s string) []byte {
	buf = append(buf, uint8(len(s)))
	return append(buf, s...)
}

func readString8(r io.Reader, minLen, maxLen int, lenErr error) (string, error) {
	var n uint8
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	if int(n) < minLen || int(n) > maxLen {
		return "", lenErr
	}
	if n == 0 {
		return "", nil
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
