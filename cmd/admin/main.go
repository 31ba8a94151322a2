package main

import (
	"chatsink/backend/internal/api/handler"
	"chatsink/backend/internal/config"
	"chatsink/backend/internal/ingest"
	"chatsink/backend/internal/models"
	"chatsink/backend/internal/pii"
	"chatsink/backend/internal/storage"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app is built lazily so commands that need no database start without one.
type app struct {
	cfg       *config.Config
	store     *storage.Service
	processor *ingest.Processor
}

func (a *app) open() error {
	if a.store != nil {
		return nil
	}
	cfg, err := a.config()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is not set")
	}
	db, err := storage.OpenPostgres(cfg.DatabaseURL, false)
	if err != nil {
		return err
	}
	a.store = storage.NewStorageService(db)

	var scanner pii.Scanner = pii.NopScanner{}
	if cfg.PIIScannerURL != "" {
		scanner = pii.NewHTTPScanner(cfg.PIIScannerURL, nil)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	a.processor = ingest.NewProcessor(a.store, scanner, logger)
	return nil
}

func (a *app) config() (*config.Config, error) {
	if a.cfg == nil {
		cfg, err := config.Load()
		if err != nil {
			return nil, err
		}
		a.cfg = cfg
	}
	return a.cfg, nil
}

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "admin",
		Short:         "operate the chatsink ingestion pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(
		newEventsCommand(a),
		newReplayCommand(a),
		newRetrySweepCommand(a),
		newIssueTokenCommand(a),
	)
	return root
}

func newEventsCommand(a *app) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "list recent ingest audit records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			events, err := a.store.ListIngestEvents(cmd.Context(), models.IngestStatus(strings.ToUpper(status)), limit)
			if err != nil {
				return err
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (PENDING, PROCESSING, SUCCESS, FAILED, SKIPPED)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}

func printEvents(out io.Writer, events []models.IngestEvent) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tCHANNEL\tSOURCE\tSTATUS\tATTEMPTS\tCREATED\tERROR")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			ev.ID, ev.EventType, ev.ChannelID, ev.Source, ev.Status, ev.Attempts,
			ev.CreatedAt.Format(time.RFC3339), ev.ErrorMessage)
	}
	return w.Flush()
}

func newReplayCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event-id>",
		Short: "re-run one audit record from its stored payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			ctx := cmd.Context()
			rec, err := a.store.GetIngestEvent(ctx, args[0])
			if err != nil {
				return fmt.Errorf("load %s: %w", args[0], err)
			}
			if err := a.store.MarkIngestAttempt(ctx, rec.ID); err != nil {
				return err
			}
			res := a.processor.Replay(ctx, rec)
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newRetrySweepCommand(a *app) *cobra.Command {
	var (
		maxAttempts int
		batch       int
	)
	cmd := &cobra.Command{
		Use:   "retry-sweep",
		Short: "resubmit failed ingest events once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(); err != nil {
				return err
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			sweeper := ingest.NewRetrySweeper(a.store, a.processor, logger)
			sweeper.MaxAttempts = maxAttempts
			sweeper.BatchSize = batch

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			report, err := sweeper.SweepOnce(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", config.RetryMaxAttempts, "skip records with this many attempts")
	cmd.Flags().IntVar(&batch, "batch", config.RetryBatchSize, "records per sweep")
	return cmd
}

func newIssueTokenCommand(a *app) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token <subject>",
		Short: "sign a bearer token for the control API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is not set")
			}
			token, err := handler.IssueToken([]byte(cfg.JWTSecret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
