package netdriver

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
)

// Scheme is the URL scheme both network drivers accept.
const Scheme = "tcp"

// Target is a parsed connection URL of the form tcp://host:port/database.
type Target struct {
	Addr     string // host:port
	Database string
}

// ParseURL parses a driver URL.
func ParseURL(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != Scheme {
		return Target{}, fmt.Errorf("invalid url %q: scheme must be %q", raw, Scheme)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Target{}, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if host == "" || port == "" {
		return Target{}, fmt.Errorf("invalid url %q: host and port are required", raw)
	}

	database := strings.Trim(u.Path, "/")
	if err := common.ValidateName("database", database); err != nil {
		return Target{}, fmt.Errorf("invalid url %q: %w", raw, err)
	}

	return Target{
		Addr:     net.JoinHostPort(host, port),
		Database: database,
	}, nil
}
