package backend

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tbxark/dbpool/pkg/dbpool/common"
)

// Config holds backend configuration.
type Config struct {
	ListenAddr           string        `validate:"required"`
	Username             string        `validate:"required,max=64"`
	Password             string        `validate:"required,min=8,max=255"`
	Databases            []string      `validate:"required,min=1,dive,required"`
	MaxClients           int           `validate:"required,min=1"`
	MaxAuthFailures      int           `validate:"required,min=1"`
	AuthBlockDuration    time.Duration `validate:"required,min=1ms"`
	MaxStreamsPerSession int           `validate:"required,min=1"`
}

var validate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if err := common.ValidateName("user", c.Username); err != nil {
		return fmt.Errorf("username validation failed: %w", err)
	}
	for _, db := range c.Databases {
		if err := common.ValidateName("database", db); err != nil {
			return fmt.Errorf("database validation failed: %w", err)
		}
	}

	return nil
}

// hasDatabase reports whether name is one of the served databases.
func (c *Config) hasDatabase(name string) bool {
	for _, db := range c.Databases {
		if db == name {
			return true
		}
	}
	return false
}

// ParseDatabases splits a comma-separated database list, dropping empty entries.
func ParseDatabases(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}
