package auth

import "time"

// EnvConfig defines fields used for parsing from environment variables.
// The default secret only exists so a local instance starts out of the box;
// deployments must set SECRET_KEY.
type EnvConfig struct {
	Secret   string        `env:"SECRET_KEY" envDefault:"your_secret_key"`
	TokenTTL time.Duration `env:"TOKEN_TTL" envDefault:"1h"`
}
