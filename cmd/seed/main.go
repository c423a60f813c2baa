package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/spf13/cobra"

	"github.com/hackgods/appointment-reassignment/internal/db"
	"github.com/hackgods/appointment-reassignment/internal/logger"
	"github.com/hackgods/appointment-reassignment/internal/records"
)

func main() {
	if err := newSeedCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newSeedCmd() *cobra.Command {
	var (
		counts   Counts
		seed     uint64
		start    string
		out      string
		postgres bool
	)
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Generate demo patients, providers, appointments and waitlist entries",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New("dev")
			if err != nil {
				return err
			}
			defer log.Sync()

			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			from, err := time.Parse(records.DateLayout, start)
			if err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}

			snap := Generate(gofakeit.New(seed), from, counts)
			log.Info("generated snapshot",
				"seed", seed,
				"providers", len(snap.Providers),
				"patients", len(snap.Patients),
				"appointments", len(snap.Appointments),
				"waitlist", len(snap.Waitlist),
			)

			if postgres {
				return seedPostgres(cmd.Context(), log, snap)
			}
			return writeSnapshot(out, snap)
		},
	}
	cmd.Flags().IntVar(&counts.Providers, "providers", 40, "number of providers")
	cmd.Flags().IntVar(&counts.Patients, "patients", 300, "number of patients")
	cmd.Flags().IntVar(&counts.Days, "days", 14, "days of appointments to book")
	cmd.Flags().IntVar(&counts.Waitlist, "waitlist", 60, "number of waitlist entries")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed, 0 picks one from the clock")
	cmd.Flags().StringVar(&start, "start", time.Now().UTC().Format(records.DateLayout), "first appointment date")
	cmd.Flags().StringVarP(&out, "out", "o", "snapshot.json", "snapshot file to write, - for stdout")
	cmd.Flags().BoolVar(&postgres, "postgres", false, "import into POSTGRES_DSN instead of writing a file")
	return cmd
}

func writeSnapshot(path string, snap records.Snapshot) error {
	w := os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func seedPostgres(ctx context.Context, log *logger.Logger, snap records.Snapshot) error {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := db.ConnectPostgres(connectCtx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	repo := records.NewPgRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := records.Import(ctx, repo, snap); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	log.Info("seed complete")
	return nil
}
