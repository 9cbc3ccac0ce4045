package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"banhammer/internal/config"
	"banhammer/internal/database"
	"banhammer/internal/domain"
	"banhammer/internal/support"
	"banhammer/internal/tablestore"
)

// Exit codes follow sysexits(3).
const (
	ExitOK       = 0
	ExitUsage    = 64
	ExitSoftware = 70
	ExitOSErr    = 71
	ExitConfig   = 78
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: ExitUsage, err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error returned by a command to a process exit status.
func ExitCode(err error) int {
	var ee *exitError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &ee):
		return ee.code
	case config.IsConfigError(err):
		return ExitConfig
	case tablestore.KindOf(err) != 0:
		return ExitOSErr
	default:
		return ExitSoftware
	}
}

// Execute runs cmd with the process arguments and returns the exit status.
func Execute(cmd *cobra.Command) int {
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		log.Error("terminated", "error", err)
	}
	return ExitCode(err)
}

// commonFlags are shared by both binaries.
type commonFlags struct {
	verbose int
	quiet   int
}

func (f *commonFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().CountVarP(&f.verbose, "verbose", "v", "increase logging, repeatable")
	cmd.PersistentFlags().CountVarP(&f.quiet, "quiet", "q", "decrease logging, repeatable")
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return &exitError{code: ExitUsage, err: err}
	})
	cmd.Args = func(c *cobra.Command, args []string) error {
		if len(args) > 0 {
			return usageError("unexpected arguments %q", args)
		}
		return nil
	}
}

// level applies -v and -q on top of the configured level.
func (f *commonFlags) level(base log.Level) log.Level {
	level := base + log.Level(4*(f.quiet-f.verbose))
	if level < log.DebugLevel {
		return log.DebugLevel
	}
	if level > log.FatalLevel {
		return log.FatalLevel
	}
	return level
}

// loadEnvironment reads .env and the process environment and returns a
// logger configured from them.
func loadEnvironment(w io.Writer, prefix string, flags *commonFlags) (config.Settings, *log.Logger, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("No .env file found. Falling back to system environment variables.")
	}

	settings, err := config.LoadSettings()
	logger := log.NewWithOptions(w, log.Options{
		Prefix:          prefix,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Level:           flags.level(settings.LogLevel),
	})
	log.SetDefault(logger)
	return settings, logger, err
}

type closeFunc func() error

// openStore connects to the backend named by settings.Store.
func openStore(ctx context.Context, settings config.Settings, logger *log.Logger) (tablestore.Store, closeFunc, error) {
	switch settings.Store {
	case config.StoreMemory:
		store := tablestore.NewMemoryStore()
		return store, store.Close, nil
	case config.StoreRedis:
		client, err := support.NewRedisClient(ctx, settings.RedisURL)
		if err != nil {
			return nil, nil, &tablestore.TableError{Kind: tablestore.TransportFailure, Op: "connect", Err: err}
		}
		store := tablestore.NewRedisStore(client, settings.RedisPrefix, true, logger)
		return store, store.Close, nil
	case config.StoreSQL:
		db, err := database.SetupDB()
		if err != nil {
			return nil, nil, &tablestore.TableError{Kind: tablestore.TransportFailure, Op: "connect", Err: err}
		}
		store, err := tablestore.NewSQLStore(db, logger)
		if err != nil {
			_ = database.Close(db)
			return nil, nil, err
		}
		return store, func() error { return database.Close(db) }, nil
	case config.StoreNftables:
		store, err := tablestore.NewNftStore(tablestore.NftConfig{Table: settings.NftTable, Create: settings.NftCreate}, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, &config.ConfigError{Source: "environment", Field: "BANHAMMER_STORE", Err: fmt.Errorf("unknown store %q", settings.Store)}
	}
}

func closeStore(logger *log.Logger, closeFn closeFunc) {
	if closeFn == nil {
		return
	}
	if err := closeFn(); err != nil {
		logger.Warn("error closing table store", "error", err)
	}
}

// signalContext ends on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func parseTables(raw string) ([]domain.TableID, error) {
	tables, err := domain.ParseTableList(raw)
	if err != nil {
		return nil, usageError("--tables: %v", err)
	}
	return tables, nil
}
