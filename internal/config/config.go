// Package config loads service configuration from the environment and
// serves emission/reward policies with periodic refresh from the store.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all environment-driven settings for the engine.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// SeedSecret keys the HMAC seed derivation. Never shared with clients.
	SeedSecret string `env:"SEED_SECRET,required"`

	// OracleSigningKey is the hex-encoded 32-byte Ed25519 seed used to sign
	// withdrawal claims. The service must not accept traffic without it.
	OracleSigningKey string `env:"ORACLE_SIGNING_KEY,required"`

	// Vault collaborator. Claims are skipped when the RPC URL is unset.
	VaultRPCURL  string        `env:"VAULT_RPC_URL"`
	VaultTimeout time.Duration `env:"VAULT_TIMEOUT" envDefault:"3s"`
	VaultAddress string        `env:"VAULT_ADDRESS"`
	VaultTokenID string        `env:"VAULT_TOKEN_ID"`
	ClaimTTL     time.Duration `env:"CLAIM_TTL" envDefault:"15m"`

	// Idempotency lock TTLs: short while in progress, long once terminal.
	LockTTLInProgress time.Duration `env:"LOCK_TTL_IN_PROGRESS" envDefault:"30s"`
	LockTTLTerminal   time.Duration `env:"LOCK_TTL_TERMINAL" envDefault:"24h"`
	LockReapInterval  time.Duration `env:"LOCK_REAP_INTERVAL" envDefault:"1m"`

	// Battle resource costs.
	StaminaCost    int           `env:"BATTLE_STAMINA_COST" envDefault:"1"`
	BattleCooldown time.Duration `env:"BATTLE_COOLDOWN" envDefault:"5m"`

	// Emission defaults when no policy row matches.
	DefaultGlobalCap   int64 `env:"DEFAULT_GLOBAL_DAILY_CAP" envDefault:"1000000"`
	DefaultCategoryCap int64 `env:"DEFAULT_CATEGORY_DAILY_CAP" envDefault:"100000"`

	PolicyRefreshInterval time.Duration `env:"POLICY_REFRESH_INTERVAL" envDefault:"30s"`

	// Pool betting.
	TreasuryOwnerID    string `env:"TREASURY_OWNER_ID" envDefault:"treasury"`
	MaxStakePerEvent   int64  `env:"MAX_STAKE_PER_EVENT" envDefault:"10000"`
	MaxCorrelatedStake int64  `env:"MAX_CORRELATED_STAKE" envDefault:"50000"`
}

// Load parses the configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
