package netdriver

import (
	"errors"
	"fmt"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
	"github.com/tbxark/dbpool/pkg/dbpool/proto"
)

// ErrConnBroken is returned by RoundTrip after an earlier round trip on the
// same connection was aborted part way through.
var ErrConnBroken = errors.New("connection broken by an aborted round trip")

// HandshakeError is returned when the backend answers HELLO with a non-OK status.
type HandshakeError struct {
	Status  uint8
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("handshake rejected: %s", proto.StatusText(e.Status))
	}
	return fmt.Sprintf("handshake rejected: %s: %s", proto.StatusText(e.Status), e.Message)
}

// Is maps rejection statuses onto the common sentinel errors.
func (e *HandshakeError) Is(target error) bool {
	switch e.Status {
	case proto.StatusAuthFail:
		return target == common.ErrAuthFailed
	case proto.StatusUnknownDatabase:
		return target == common.ErrUnknownDatabase
	case proto.StatusBusy:
		return target == common.ErrConnectionLimit
	}
	return false
}
