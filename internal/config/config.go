// Package config loads the process configuration described in spec.md
// §6's table from environment variables, in the teacher's env(k, def)
// style.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/N1XSS/controle-siscomex-test/internal/siscomexerr"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

// Config is the process's full runtime configuration, assembled once at
// startup and passed explicitly to every component — never read from the
// environment again after Load returns.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	BaseURL      string

	RateLimitPerHour int
	SafeRequestLimit int

	AuthInterval       time.Duration
	TokenValidity      time.Duration
	TokenSafetyMargin  time.Duration
	TokenCachePath     string

	FetchBondedSuspension    bool
	FetchBondedExemption     bool
	FetchFiscalRequirements  bool

	MaxDiscoveryPerRun int
	MaxRefreshPerRun   int
	StalenessHours     int
	Workers            int

	// SituationPartitions maps a named refresh partition ("pending",
	// "settled", "cancelled") to the DUE situations it covers, parsed from
	// SITUATION_PARTITIONS — supplements spec.md §4.8's candidate
	// selection with operator-tunable grouping instead of one hardcoded
	// situation list.
	SituationPartitions map[string][]string

	DatabaseURL string
	TZ          string
	Location    *time.Location

	// OpsAddr, when non-empty, starts the read-only /healthz + /status
	// HTTP surface on this address.
	OpsAddr string
}

// Load reads Config from the environment, applying spec.md §6's defaults
// and failing fast (KindConfiguration) on anything missing or malformed.
func Load() (Config, error) {
	var c Config
	c.ClientID = env("CLIENT_ID", "")
	c.ClientSecret = env("CLIENT_SECRET", "")
	c.TokenURL = env("TOKEN_URL", "")
	c.BaseURL = env("SISCOMEX_BASE_URL", "")
	c.DatabaseURL = env("DATABASE_URL", "")
	if c.ClientID == "" || c.ClientSecret == "" || c.TokenURL == "" || c.BaseURL == "" || c.DatabaseURL == "" {
		return Config{}, siscomexerr.New(siscomexerr.KindConfiguration, "config.Load", "",
			fmt.Errorf("CLIENT_ID, CLIENT_SECRET, TOKEN_URL, SISCOMEX_BASE_URL and DATABASE_URL are required"))
	}

	var err error
	if c.RateLimitPerHour, err = envInt("RATE_LIMIT_HOUR", 1000); err != nil {
		return Config{}, configErr(err)
	}
	// SAFE_REQUEST_LIMIT defaults to 0.9 * RATE_LIMIT_HOUR (spec.md §6):
	// when unset, it tracks whatever RATE_LIMIT_HOUR resolves to rather
	// than an independent hardcoded value.
	safeDefault := int(0.9 * float64(c.RateLimitPerHour))
	if c.SafeRequestLimit, err = envInt("SAFE_REQUEST_LIMIT", safeDefault); err != nil {
		return Config{}, configErr(err)
	}

	authIntervalSec, err := envInt("AUTH_INTERVAL_SEC", 300)
	if err != nil {
		return Config{}, configErr(err)
	}
	c.AuthInterval = time.Duration(authIntervalSec) * time.Second

	validityMin, err := envInt("TOKEN_VALIDITY_MIN", 60)
	if err != nil {
		return Config{}, configErr(err)
	}
	c.TokenValidity = time.Duration(validityMin) * time.Minute

	safetyMin, err := envInt("TOKEN_SAFETY_MARGIN_MIN", 2)
	if err != nil {
		return Config{}, configErr(err)
	}
	c.TokenSafetyMargin = time.Duration(safetyMin) * time.Minute
	c.TokenCachePath = env("TOKEN_CACHE_PATH", "")

	c.FetchBondedSuspension = env("FETCH_BONDED_SUSPENSION", "false") == "true"
	c.FetchBondedExemption = env("FETCH_BONDED_EXEMPTION", "false") == "true"
	c.FetchFiscalRequirements = env("FETCH_FISCAL_REQUIREMENTS", "false") == "true"

	if c.MaxDiscoveryPerRun, err = envInt("MAX_DISCOVERY_PER_RUN", 500); err != nil {
		return Config{}, configErr(err)
	}
	if c.MaxRefreshPerRun, err = envInt("MAX_REFRESH_PER_RUN", 500); err != nil {
		return Config{}, configErr(err)
	}
	if c.StalenessHours, err = envInt("STALENESS_HOURS", 24); err != nil {
		return Config{}, configErr(err)
	}
	if c.Workers, err = envInt("WORKERS", 4); err != nil {
		return Config{}, configErr(err)
	}

	c.TZ = env("TZ", "America/Sao_Paulo")
	loc, err := time.LoadLocation(c.TZ)
	if err != nil {
		return Config{}, configErr(fmt.Errorf("TZ=%q: %w", c.TZ, err))
	}
	c.Location = loc

	c.SituationPartitions, err = parseSituationPartitions(env("SITUATION_PARTITIONS", ""))
	if err != nil {
		return Config{}, configErr(err)
	}

	c.OpsAddr = env("OPS_ADDR", "")

	return c, nil
}

func configErr(err error) error {
	return siscomexerr.New(siscomexerr.KindConfiguration, "config.Load", "", err)
}

// parseSituationPartitions parses a grammar of the form
// "pending:REGISTRADA;settled:AVERBADA,DESEMBARACADA;cancelled:CANCELADA"
// into a map from partition name to the situations it covers. An empty
// string returns the default three-partition layout (pending, settled,
// cancelled).
func parseSituationPartitions(raw string) (map[string][]string, error) {
	if raw == "" {
		return map[string][]string{
			"pending":   {"REGISTRADA", "EM_CONFERENCIA", "RETIFICACAO_SOLICITADA"},
			"settled":   {"AVERBADA", "DESEMBARACADA"},
			"cancelled": {"CANCELADA"},
		}, nil
	}

	out := make(map[string][]string)
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, situations, ok := strings.Cut(part, ":")
		if !ok || name == "" || situations == "" {
			return nil, fmt.Errorf("SITUATION_PARTITIONS: malformed clause %q", part)
		}
		var list []string
		for _, s := range strings.Split(situations, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				list = append(list, s)
			}
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("SITUATION_PARTITIONS: partition %q has no situations", name)
		}
		out[name] = list
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("SITUATION_PARTITIONS: no partitions parsed from %q", raw)
	}
	return out, nil
}
