package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetFullVersion(t *testing.T) {
	assert.Equal(t, "dev", GetVersion())
	assert.Equal(t, "dbpool-probe dev (commit: unknown, built: unknown)", GetFullVersion("dbpool-probe"))
}
