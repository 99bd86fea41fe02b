package common

import (
	"fmt"
	"strings"
)

// MaxNameLength bounds driver, user and database identifiers.
const MaxNameLength = 64

// ValidateName checks that an identifier is non-empty, at most MaxNameLength
// bytes, and free of whitespace. kind is used in the error message.
func ValidateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is empty", kind)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%s name too long: %d bytes, maximum is %d bytes", kind, len(name), MaxNameLength)
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("%s name %q contains whitespace", kind, name)
	}
	return nil
}
