package main

import (
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/apmatthews/the-events-calendar/internal/auth"
	"github.com/apmatthews/the-events-calendar/internal/config"
	"github.com/apmatthews/the-events-calendar/internal/cron"
	"github.com/apmatthews/the-events-calendar/internal/importer"
	"github.com/apmatthews/the-events-calendar/internal/logging"
	"github.com/apmatthews/the-events-calendar/internal/record"
	"github.com/apmatthews/the-events-calendar/internal/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled pass until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := newApp(ctx, cfg, opts.verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			schedule := a.cron.Schedule()
			log.Printf("Starting scheduler (%s), database %s", schedule.Text, cfg.DBPath)
			a.cron.Start(ctx)

			<-ctx.Done()
			log.Printf("Shutting down...")
			a.cron.Stop()
			return nil
		},
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduled pass once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := newApp(ctx, cfg, opts.verbose)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.cron.RunNow(ctx) {
				return fmt.Errorf("another pass is already running")
			}
			if deferred := a.cron.PendingSingles(); len(deferred) > 0 {
				log.Printf("Request limit reached, the remaining work runs on the next pass")
			}
			return nil
		},
	}
}

func newImportCSVCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import-csv FILE",
		Short: "Import events from a CSV file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			logger := logging.NewCLI(opts.verbose).WithGroup("csv")
			rec, err := importer.ImportFile(ctx, st, st, args[0], cfg.PostStatusFor(record.OriginCSV), logger)
			if err != nil {
				return fmt.Errorf("failed to import %s: %w", args[0], err)
			}

			log.Printf("Record (%d) imported %s: %d created, %d updated, %d skipped",
				rec.ID, args[0],
				rec.Activity.Count(importer.KindEvent, record.ActionCreated),
				rec.Activity.Count(importer.KindEvent, record.ActionUpdated),
				rec.Activity.Count(importer.KindEvent, record.ActionSkipped))
			return nil
		},
	}
}

func newFrequenciesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frequencies",
		Short: "List record frequencies and cron schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RECORD FREQUENCY\tINTERVAL\tDESCRIPTION")
			for _, f := range record.Frequencies() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", f.ID, f.Interval, f.Text)
			}
			fmt.Fprintln(w)
			fmt.Fprintln(w, "CRON SCHEDULE\tINTERVAL\tDESCRIPTION")
			for _, s := range cron.Schedules() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Interval, s.Text)
			}
			return w.Flush()
		},
	}
}

func newAuthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize Google Calendar access and store the token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.GoogleCredentialsPath == "" {
				return fmt.Errorf("google_credentials_path is not configured")
			}

			oauthConfig, err := auth.LoadOAuthConfig(cfg.GoogleCredentialsPath)
			if err != nil {
				return fmt.Errorf("failed to load Google credentials: %w", err)
			}
			if _, err := auth.GetAuthenticatedClient(cmd.Context(), oauthConfig, auth.NewFileTokenStore(cfg.GoogleTokenPath), nil); err != nil {
				return err
			}

			log.Printf("Google token stored in %s", cfg.GoogleTokenPath)
			return nil
		},
	}
}

type recordAddOptions struct {
	origin     string
	source     string
	frequency  string
	postStatus string
	draft      bool
}

func newRecordCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Manage import records",
	}
	cmd.AddCommand(newRecordAddCmd(opts), newRecordListCmd(opts), newRecordShowCmd(opts))
	return cmd
}

func newRecordAddCmd(opts *rootOptions) *cobra.Command {
	var add recordAddOptions

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a scheduled import record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			origin := record.Origin(add.origin)
			if !origin.Valid() {
				return fmt.Errorf("unknown origin %q", add.origin)
			}
			if origin == record.OriginCSV {
				return fmt.Errorf("csv files cannot be scheduled, use import-csv")
			}
			if _, ok := record.FindFrequency(add.frequency); !ok {
				return fmt.Errorf("unknown frequency %q, see the frequencies command", add.frequency)
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			postStatus := add.postStatus
			if postStatus == "" {
				postStatus = cfg.PostStatusFor(origin)
			}
			if !slices.Contains(config.PostStatuses(), postStatus) {
				return fmt.Errorf("invalid post status %q (valid: %s)", postStatus, strings.Join(config.PostStatuses(), ", "))
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			r := &record.Record{
				Status:     record.StatusSchedule,
				Origin:     origin,
				Source:     add.source,
				Frequency:  add.frequency,
				PostStatus: postStatus,
			}
			if add.draft {
				r.Status = record.StatusDraft
			}
			if err := st.CreateRecord(cmd.Context(), r); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created record %d (%s %s, %s)\n", r.ID, r.Origin, r.Source, r.Frequency)
			return nil
		},
	}

	cmd.Flags().StringVar(&add.origin, "origin", "", "Record origin: ical, gcal, caldav, url, meetup or eventbrite (required)")
	cmd.Flags().StringVar(&add.source, "source", "", "Feed URL, calendar id or calendar path (required)")
	cmd.Flags().StringVar(&add.frequency, "frequency", "daily", "Import frequency")
	cmd.Flags().StringVar(&add.postStatus, "post-status", "", "Status of imported events (default: imported_post_status for the origin)")
	cmd.Flags().BoolVar(&add.draft, "draft", false, "Create the record as a draft that is never scheduled")

	_ = cmd.MarkFlagRequired("origin")
	_ = cmd.MarkFlagRequired("source")

	return cmd
}

func newRecordListCmd(opts *rootOptions) *cobra.Command {
	var parentID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List import records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			records, err := st.ListRecords(cmd.Context(), parentID)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tORIGIN\tFREQUENCY\tLAST RUN\tSOURCE")
			for _, r := range records {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.Origin, r.Frequency, formatTime(r.LastRun), r.Source)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int64Var(&parentID, "parent", 0, "List the child imports of this record")

	return cmd
}

func newRecordShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show a record and its child imports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid record id %q", args[0])
			}

			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			st, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			ctx := cmd.Context()
			r, err := st.Record(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Record:      %d\n", r.ID)
			if r.IsChild() {
				fmt.Fprintf(out, "Parent:      %d\n", r.ParentID)
			}
			fmt.Fprintf(out, "Status:      %s\n", r.Status)
			fmt.Fprintf(out, "Origin:      %s\n", r.Origin)
			fmt.Fprintf(out, "Source:      %s\n", r.Source)
			fmt.Fprintf(out, "Frequency:   %s\n", r.Frequency)
			fmt.Fprintf(out, "Post status: %s\n", r.PostStatus)
			fmt.Fprintf(out, "Last run:    %s\n", formatTime(r.LastRun))
			if r.ImportID != "" {
				fmt.Fprintf(out, "Import id:   %s\n", r.ImportID)
			}
			if r.Message != "" {
				fmt.Fprintf(out, "Message:     %s\n", r.Message)
			}
			for _, kind := range r.Activity.Kinds() {
				for _, action := range r.Activity.Actions() {
					if n := r.Activity.Count(kind, action); n > 0 {
						fmt.Fprintf(out, "  %s %s: %d\n", kind, action, n)
					}
				}
			}

			children, err := st.ListRecords(ctx, r.ID)
			if err != nil {
				return err
			}
			if len(children) > 0 {
				fmt.Fprintln(out, "\nChild imports:")
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, child := range children {
					fmt.Fprintf(w, "  %d\t%s\t%s\t%s\n", child.ID, child.Status, formatTime(child.UpdatedAt), child.Message)
				}
				return w.Flush()
			}
			return nil
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(time.DateTime)
}
