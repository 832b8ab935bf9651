package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mark3labs/taskrelay/internal/config"
	"github.com/mark3labs/taskrelay/internal/lock"
	"github.com/mark3labs/taskrelay/internal/nats"
	"github.com/mark3labs/taskrelay/internal/outcome"
	"github.com/mark3labs/taskrelay/internal/theme"
)

// errStoreBusy is returned while a running relay owns the outcome store.
var errStoreBusy = errors.New("taskrelay is running and owns the outcome store; try again when it is idle or stopped")

var outcomesFlags struct {
	limit int
	task  string
}

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "List recent task outcomes",
	Long: `List what happened to recently processed tasks, newest first.

Outcomes are read from the embedded JetStream store under data_dir, so this
command only works while no taskrelay run is active in the repository.`,
	RunE: runOutcomes,
}

func init() {
	outcomesCmd.Flags().IntVarP(&outcomesFlags.limit, "limit", "n", 20, "Number of outcomes to show")
	outcomesCmd.Flags().StringVar(&outcomesFlags.task, "task", "", "Show every outcome for one task instead")
}

func runOutcomes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	store, closeStore, err := openOutcomes(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var records []outcome.Record
	if outcomesFlags.task != "" {
		records, err = store.ForTask(ctx, outcomesFlags.task)
	} else {
		records, err = store.Recent(ctx, outcomesFlags.limit)
	}
	if err != nil {
		return err
	}

	s := theme.Current().S()
	if len(records) == 0 {
		fmt.Println(s.Muted.Render("No outcomes recorded"))
		return nil
	}
	for _, rec := range records {
		line := rec.String()
		switch {
		case rec.ErrorCategory != "":
			fmt.Println(s.Fail.Render(line))
		default:
			fmt.Println(line)
		}
	}
	return nil
}

// openOutcomes starts the embedded store read side. It refuses while another
// live process holds the lock, since two servers must not share the store
// directory.
func openOutcomes(ctx context.Context, cfg *config.Config) (*outcome.Store, func(), error) {
	st, err := lock.New(cfg.LockPath()).Inspect()
	if err != nil {
		return nil, nil, err
	}
	if st.State == lock.StateHeld {
		return nil, nil, errStoreBusy
	}

	embedded, err := nats.Start(cfg.NATSDir())
	if err != nil {
		return nil, nil, fmt.Errorf("start outcome store: %w", err)
	}
	store, err := outcome.NewStore(ctx, embedded.JS)
	if err != nil {
		_ = embedded.Close()
		return nil, nil, err
	}
	return store, func() { _ = embedded.Close() }, nil
}
