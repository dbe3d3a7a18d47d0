// Package bootstrap implements Chomp's process startup sequence from
// spec.md §6: .env loading, flag/env/default precedence, the
// claim-then-schedule startup filter, and the exit-code contract (0
// clean shutdown, 1 config/startup failure, 2 adapter init failure).
package bootstrap

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Options holds every CLI flag from spec.md §6. cmd/chomp resolves
// flag/env/default precedence itself, by seeding each cobra flag's
// default with EnvOr/EnvOrInt/EnvOrBool — cobra then already knows
// whether the caller overrode it, which a zero-value-based resolution
// here could not tell apart from "explicitly set to false/zero".
type Options struct {
	Env     string
	Verbose bool
	ProcID  string
	Server  bool
	Host    string
	Port    int

	MaxRetries    int
	RetryCooldown time.Duration
	Threaded      bool
	MaxJobs       int

	TSDBAdapter string
	ConfigPath  string

	PerpetualIndexing bool

	WSPingInterval time.Duration
	WSPingTimeout  time.Duration
}

// LoadEnv loads the dotenv file at path into the process environment,
// the same "thin external collaborator with a stated interface" pattern
// gastrolog uses for its home directory layout. A missing file at the
// default path is not an error; an explicitly named missing file is.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if err != nil && !(path == ".env" && os.IsNotExist(err)) {
		return err
	}
	return nil
}

// EnvOr returns the value of the env var key, or def if it is unset or empty.
func EnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// EnvOrInt is EnvOr for integer-valued flags.
func EnvOrInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// EnvOrBool is EnvOr for boolean-valued flags.
func EnvOrBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
