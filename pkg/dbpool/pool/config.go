package pool

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds pool sizing and the parameters handed to the driver.
type Config struct {
	PoolSize       int           `validate:"required,min=1"`
	Driver         string        `validate:"required,max=64"`
	URL            string        `validate:"required"`
	Username       string        `validate:"max=64"`
	Password       string        `validate:"max=255"`
	AcquireTimeout time.Duration `validate:"gte=0"` // 0 waits until the caller's context ends
}

var validate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
