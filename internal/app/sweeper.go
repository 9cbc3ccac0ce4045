package app

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"banhammer/internal/app/version"
	"banhammer/internal/config"
	"banhammer/internal/enrich"
	"banhammer/internal/statefile"
	"banhammer/internal/sweep"
)

type sweeperOptions struct {
	commonFlags
	tables    string
	interval  string
	once      bool
	list      bool
	noResolve bool
	stateFile string
	geoIP     string
}

// NewSweeperCommand builds the banhammerd command, which removes expired
// entries from the tables.
func NewSweeperCommand() *cobra.Command {
	opts := &sweeperOptions{}
	cmd := &cobra.Command{
		Use:     "banhammerd",
		Short:   "Remove expired bans from firewall tables",
		Long:    "Periodically removes table entries whose expiration has passed. With --once it purges a single time, with --list it only prints the tables.",
		Version: version.String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweeper(cmd, opts)
		},
	}
	opts.register(cmd)

	flags := cmd.Flags()
	flags.StringVarP(&opts.tables, "tables", "t", "", "comma separated table ids (default $SWEEP_TABLES)")
	flags.StringVarP(&opts.interval, "sleep", "s", "", "time between sweeps, seconds or a duration (default $SWEEP_INTERVAL or 60s)")
	flags.BoolVarP(&opts.once, "once", "C", false, "purge expired entries once and exit")
	flags.BoolVarP(&opts.list, "list", "L", false, "list table contents and exit")
	flags.BoolVarP(&opts.noResolve, "no-resolve", "n", false, "do not look up host names when listing")
	flags.StringVarP(&opts.stateFile, "statefile", "S", "", "save tables here on exit and restore them on start (default $STATE_FILE)")
	flags.StringVar(&opts.geoIP, "geoip", "", "GeoIP country database for --list (default $GEOIP_DB)")
	return cmd
}

func runSweeper(cmd *cobra.Command, opts *sweeperOptions) error {
	if opts.once && opts.list {
		return usageError("--once and --list are mutually exclusive")
	}

	settings, logger, err := loadEnvironment(cmd.ErrOrStderr(), "banhammerd", &opts.commonFlags)
	if err != nil {
		return err
	}

	tables := settings.SweepTables
	if opts.tables != "" {
		if tables, err = parseTables(opts.tables); err != nil {
			return err
		}
	}
	if len(tables) == 0 {
		return usageError("no tables given, use --tables or SWEEP_TABLES")
	}

	interval := settings.SweepInterval
	if opts.interval != "" {
		if interval, err = config.ParseInterval(opts.interval); err != nil {
			return usageError("--sleep: %v", err)
		}
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	store, closeFn, err := openStore(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer closeStore(logger, closeFn)

	sweeper := &sweep.Sweeper{Store: store, Tables: tables, Logger: logger}

	switch {
	case opts.list:
		enricher, closeGeo := buildEnricher(opts.noResolve, firstNonEmpty(opts.geoIP, settings.GeoIPPath), logger)
		defer closeGeo()
		listings, listErr := sweeper.List(ctx)
		if err := sweep.FormatListing(ctx, cmd.OutOrStdout(), listings, time.Now(), enricher); err != nil {
			return err
		}
		return listErr
	case opts.once:
		_, err := sweeper.PurgeOnce(ctx)
		return err
	}

	stateFile := firstNonEmpty(opts.stateFile, settings.StateFile)
	if stateFile != "" {
		restored, err := statefile.Load(ctx, store, stateFile, logger)
		if err != nil {
			logger.Error("Could not restore state file", "path", stateFile, "error", err)
		} else {
			logger.Info("Restored state file", "path", stateFile, "entries", restored)
		}
	}

	logger.Info("Sweeping tables", "tables", tables, "interval", interval, "store", settings.Store)
	err = sweeper.RunDaemon(ctx, interval)

	if stateFile != "" {
		// ctx is already cancelled here.
		saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		saved, saveErr := statefile.Save(saveCtx, store, tables, stateFile, time.Now())
		if saveErr != nil {
			logger.Warn("Could not save state file", "path", stateFile, "error", saveErr)
		} else {
			logger.Info("Saved state file", "path", stateFile, "entries", saved)
		}
	}
	return err
}

// buildEnricher returns nil when there is nothing to look up.
func buildEnricher(noResolve bool, geoIPPath string, logger *log.Logger) (sweep.Annotator, func()) {
	e := &enrich.Enricher{}
	if !noResolve {
		e.Resolver = enrich.NewResolver()
	}
	if geoIPPath != "" {
		geo, err := enrich.OpenGeoIP(geoIPPath)
		if err != nil {
			logger.Warn("GeoIP database unavailable", "path", geoIPPath, "error", err)
		} else {
			e.GeoIP = geo
		}
	}
	closeGeo := func() {
		if err := e.GeoIP.Close(); err != nil {
			logger.Warn("error closing GeoIP database", "error", err)
		}
	}
	if e.Resolver == nil && e.GeoIP == nil {
		return nil, closeGeo
	}
	return e, closeGeo
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
