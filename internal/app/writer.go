package app

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"banhammer/internal/app/version"
	"banhammer/internal/config"
	"banhammer/internal/ingest"
	"banhammer/internal/rules"
	"banhammer/internal/support"
	"banhammer/internal/sweep"
	"banhammer/internal/tablestore"
)

type writerOptions struct {
	commonFlags
	rulesPath string
	check     bool
	dryRun    bool
	follow    string
	fromStart bool
}

// NewWriterCommand builds the banhammer command, which reads log lines and
// bans the addresses they name.
func NewWriterCommand() *cobra.Command {
	opts := &writerOptions{}
	cmd := &cobra.Command{
		Use:     "banhammer",
		Short:   "Ban addresses found in log lines",
		Long:    "Reads log lines from stdin or a followed file, matches them against the rule file and records offending addresses with an expiration in the firewall tables.",
		Version: version.String(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWriter(cmd, opts)
		},
	}
	opts.register(cmd)

	flags := cmd.Flags()
	flags.StringVarP(&opts.rulesPath, "config", "c", "", "rule file (default $BANHAMMER_RULES or "+config.DefaultRulesPath+")")
	flags.BoolVar(&opts.check, "check", false, "validate the rule file, print the effective rules and exit")
	flags.BoolVarP(&opts.dryRun, "dry-run", "n", false, "use an in-memory table and print what would have been banned")
	flags.StringVarP(&opts.follow, "follow", "f", "", "follow this log file instead of reading stdin")
	flags.BoolVar(&opts.fromStart, "from-start", false, "with --follow, read the file from its beginning")
	return cmd
}

func runWriter(cmd *cobra.Command, opts *writerOptions) error {
	settings, logger, err := loadEnvironment(cmd.ErrOrStderr(), "banhammer", &opts.commonFlags)
	if err != nil {
		return err
	}

	path := settings.RulesPath
	if opts.rulesPath != "" {
		path = opts.rulesPath
	}
	ruleSet, err := config.LoadRules(path)
	if err != nil {
		return err
	}
	if opts.check {
		return ruleSet.Describe(cmd.OutOrStdout())
	}
	if len(ruleSet.Rules) == 0 {
		return &config.ConfigError{Source: path, Err: fmt.Errorf("no rules defined")}
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	var (
		store   tablestore.Store
		closeFn closeFunc
		memory  *tablestore.MemoryStore
	)
	if opts.dryRun {
		memory = tablestore.NewMemoryStore()
		store, closeFn = memory, memory.Close
	} else {
		store, closeFn, err = openStore(ctx, settings, logger)
		if err != nil {
			return err
		}
	}
	defer closeStore(logger, closeFn)

	engine := rules.New(ruleSet.Rules,
		rules.WithLogger(logger),
		rules.WithIgnore(ruleSet.Ignore),
		rules.WithLocalCheck(support.NewLocalChecker().IsLocal),
	)
	statsC, stopStats := statsSignal()
	defer stopStats()
	in := ingest.New(engine, store,
		ingest.WithLogger(logger),
		ingest.WithMaxLineBytes(settings.MaxLineBytes),
		ingest.WithReporter(statsC, func() { logRuleStats(logger, engine) }),
	)
	if err := in.Preflight(ctx, ruleSet.Tables()); err != nil {
		return err
	}

	var input io.Reader = cmd.InOrStdin()
	if opts.follow != "" {
		follower, err := ingest.Follow(ctx, opts.follow, opts.fromStart, logger)
		if err != nil {
			return fmt.Errorf("follow %s: %w", opts.follow, err)
		}
		defer follower.Close()
		input = follower
	}

	logger.Info("Processing log lines", "rules", len(ruleSet.Rules), "tables", ruleSet.Tables(), "store", settings.Store, "dry_run", opts.dryRun)
	runErr := in.Run(ctx, input)

	stats := in.Stats()
	logger.Info("Input finished", "lines", stats.Lines, "truncated", stats.Truncated, "inserts", stats.Inserts, "failures", stats.Failures)
	logRuleStats(logger, engine)

	if runErr == nil && memory != nil {
		listings, err := (&sweep.Sweeper{Store: memory, Tables: ruleSet.Tables(), Logger: logger}).List(ctx)
		if err != nil {
			return err
		}
		return sweep.FormatListing(ctx, cmd.OutOrStdout(), listings, time.Now(), nil)
	}
	return runErr
}

// logRuleStats must run on the goroutine that feeds engine.
func logRuleStats(logger *log.Logger, engine *rules.Engine) {
	for _, rs := range engine.Stats() {
		logger.Info("Rule statistics", "rule", rs.Rule, "matches", rs.Matches, "inserts", rs.Inserts, "skipped", rs.Skipped, "watching", rs.Watching)
	}
}
