package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/stake-plus/member-proposals/src/actions"
	sharedconfig "github.com/stake-plus/member-proposals/src/config"
	shareddata "github.com/stake-plus/member-proposals/src/data"
	"github.com/stake-plus/member-proposals/src/logging"
	"github.com/stake-plus/member-proposals/src/shared/membership"
	"gorm.io/gorm"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func version() string {
	return fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH)
}

func main() {
	root := &cobra.Command{
		Use:           "proposal-bot",
		Short:         "Discord bot for member proposals that pass unless vetoed",
		Version:       version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the bot and the HTTP server",
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "list",
			Short: "Print active proposals from the database",
			RunE:  runList,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version())
			},
		},
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("proposal-bot")
		os.Exit(1)
	}
}

// openDatabase reads the bootstrap environment, sets up logging and returns
// a migrated database handle.
func openDatabase() (*gorm.DB, error) {
	boot, err := sharedconfig.LoadBootstrap()
	if err != nil {
		return nil, err
	}
	logging.Setup(boot.LogLevel, boot.LogFormat)

	db, err := shareddata.Open(boot.Driver(), boot.DSN())
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := membership.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := shareddata.MigrateSettings(db); err != nil {
		return nil, fmt.Errorf("migrate settings: %w", err)
	}
	return db, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}

	cfg := sharedconfig.LoadProposalsConfig(db)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	manager, err := actions.StartAll(ctx, db, &cfg)
	if err != nil {
		return fmt.Errorf("actions start: %w", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	manager.Stop(ctx)
	return nil
}

func runList(cmd *cobra.Command, _ []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}

	store := membership.NewProposalStore(db)
	ctx := cmd.Context()
	ids, err := store.ListProposalIDs(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEADLINE\tSUBSCRIBERS\tVETO AT DEADLINE")
	for _, id := range ids {
		p, err := store.LoadProposal(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("proposal_id", id).Msg("skipping proposal")
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n", p.ID, p.Name, p.Deadline.UTC().Format(time.RFC3339), len(p.Subscribers), p.VetoAtDeadline)
	}
	return w.Flush()
}
