package epc

import (
	"fmt"

	"github.com/joeshaw/envdecode"

	"github.com/pawciobiel/go-epc/internal/framing"
)

// MaxCallID is the default correlation id ceiling: the largest fixnum a
// 64-bit Emacs reads back as an integer.
const MaxCallID = 1<<61 - 1

const defaultHandlerConcurrency = 8

// Config carries the session tunables. The zero value means "use defaults";
// fields map to environment variables for hosts that configure by env.
type Config struct {
	// MaxFrameSize caps the body length of a single frame in bytes, in
	// both directions. The protocol ceiling is 16777215. ENV: EPC_MAX_FRAME_SIZE
	MaxFrameSize int `env:"EPC_MAX_FRAME_SIZE,default=16777215"`
	// HandlerConcurrency bounds how many method handlers run at once per
	// session. ENV: EPC_HANDLER_CONCURRENCY
	HandlerConcurrency int64 `env:"EPC_HANDLER_CONCURRENCY,default=8"`
	// MaxID is the last correlation id the session may issue. ENV: EPC_MAX_CALL_ID
	MaxID int64 `env:"EPC_MAX_CALL_ID,default=2305843009213693951"`
}

// ConfigFromEnv builds a Config from the environment, with defaults from the
// struct tags.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("epc: decode config: %w", err)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.MaxFrameSize <= 0 || c.MaxFrameSize > framing.MaxBody {
		c.MaxFrameSize = framing.MaxBody
	}
	if c.HandlerConcurrency <= 0 {
		c.HandlerConcurrency = defaultHandlerConcurrency
	}
	if c.MaxID <= 0 {
		c.MaxID = MaxCallID
	}
	return c
}
