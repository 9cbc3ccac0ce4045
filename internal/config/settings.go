package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"banhammer/internal/domain"
	"banhammer/internal/support"
)

const (
	StoreNftables = "nftables"
	StoreRedis    = "redis"
	StoreSQL      = "sql"
	StoreMemory   = "memory"

	DefaultRulesPath     = "/usr/local/etc/banhammer.yaml"
	DefaultSweepInterval = time.Minute
	DefaultMaxLineBytes  = 64 << 10
)

// Settings holds the process environment shared by both binaries.
type Settings struct {
	Store     string
	RulesPath string

	NftTable  string
	NftCreate bool

	RedisURL    string
	RedisPrefix string

	SweepInterval time.Duration
	SweepTables   []domain.TableID
	StateFile     string
	GeoIPPath     string

	LogLevel     log.Level
	MaxLineBytes int
}

// LoadSettings reads the environment. Invalid values are reported together.
func LoadSettings() (Settings, error) {
	s := Settings{
		Store:         strings.ToLower(support.GetEnv("BANHAMMER_STORE", StoreNftables)),
		RulesPath:     support.GetEnv("BANHAMMER_RULES", DefaultRulesPath),
		NftTable:      support.GetEnv("NFT_TABLE", "banhammer"),
		NftCreate:     support.GetEnvBool("NFT_CREATE", true),
		RedisURL:      support.GetEnv("REDIS_URL", "redis://localhost:6379/0"),
		RedisPrefix:   support.GetEnv("REDIS_PREFIX", "banhammer"),
		SweepInterval: DefaultSweepInterval,
		StateFile:     support.GetEnv("STATE_FILE", ""),
		GeoIPPath:     support.GetEnv("GEOIP_DB", ""),
		LogLevel:      log.InfoLevel,
		MaxLineBytes:  support.GetEnvInt("MAX_LINE_BYTES", DefaultMaxLineBytes),
	}

	var errs []error
	fail := func(field string, err error) {
		errs = append(errs, &ConfigError{Source: "environment", Field: field, Err: err})
	}

	switch s.Store {
	case StoreNftables, StoreRedis, StoreSQL, StoreMemory:
	default:
		fail("BANHAMMER_STORE", fmt.Errorf("unknown store %q (want nftables, redis, sql or memory)", s.Store))
	}

	if raw := support.GetEnv("SWEEP_INTERVAL", ""); raw != "" {
		d, err := ParseInterval(raw)
		if err != nil {
			fail("SWEEP_INTERVAL", err)
		} else {
			s.SweepInterval = d
		}
	}

	if raw := support.GetEnv("SWEEP_TABLES", ""); raw != "" {
		tables, err := domain.ParseTableList(raw)
		if err != nil {
			fail("SWEEP_TABLES", err)
		}
		s.SweepTables = tables
	}

	if raw := support.GetEnv("LOG_LEVEL", ""); raw != "" {
		level, err := log.ParseLevel(strings.ToLower(raw))
		if err != nil {
			fail("LOG_LEVEL", err)
		} else {
			s.LogLevel = level
		}
	}

	if s.MaxLineBytes < 256 {
		fail("MAX_LINE_BYTES", fmt.Errorf("%d is below the minimum of 256", s.MaxLineBytes))
	}

	return s, errors.Join(errs...)
}

// ParseInterval parses a sweep interval: integer seconds or a Go duration, at least one second.
func ParseInterval(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	d, err := time.ParseDuration(raw)
	if err != nil {
		secs, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, fmt.Errorf("invalid interval %q", raw)
		}
		d = time.Duration(secs) * time.Second
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval %q must be at least 1s", raw)
	}
	return d, nil
}
