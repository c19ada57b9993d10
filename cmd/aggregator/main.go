package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/apmatthews/the-events-calendar/internal/config"
)

const longHelp = `Events Aggregator

Imports calendar events on a schedule. Every scheduled record is checked on a
recurring pass (every 15 minutes by default): records that are due get a new
pending child import, and every pending import is fetched and its events are
stored in the local database.

ORIGINS:
    url, meetup, eventbrite   Fetched by the aggregator service (service_url)
    ical                      iCalendar feed URL, fetched directly
    gcal                      Google Calendar id, fetched through the Calendar API
    caldav                    CalDAV calendar path on the configured server
    csv                       Local CSV file, imported once with import-csv

REQUEST LIMIT:
    A scheduled pass may make at most request_limit (default: 5) requests to the
    aggregator service. Once the quota is used up the remaining work is deferred
    to a single extra pass scheduled right away.

CONFIGURATION PRECEDENCE (highest to lowest):
    1. Command-line flags
    2. Environment variables (AGGREGATOR_DB_PATH, AGGREGATOR_SERVICE_URL,
       AGGREGATOR_API_KEY, AGGREGATOR_REQUEST_LIMIT, AGGREGATOR_SCHEDULE,
       GOOGLE_CREDENTIALS_PATH, GOOGLE_TOKEN_PATH)
    3. Config file (--config, JSON or YAML by extension)
    4. Defaults

CONFIG FILE:
    {
      "db_path": "/path/to/aggregator.db",
      "service_url": "https://aggregator.example.com/api",
      "api_key": "your-api-key",
      "request_limit": 5,
      "schedule": "every15mins",
      "google_credentials_path": "/path/to/credentials.json",
      "google_token_path": "/path/to/google_token.json",
      "caldav": {
        "server_url": "https://caldav.icloud.com",
        "username": "your-email@icloud.com",
        "password": "app-specific-password"
      },
      "imported_post_status": {
        "csv": "draft",
        "ical": "publish"
      },
      "import_window_weeks": 4,
      "import_window_weeks_past": 0
    }

    imported_post_status may also be a single string applied to every origin.
    Allowed values are publish, pending and draft.

LOGGING:
    Progress of the scheduled pass is only printed when running from an
    interactive terminal. Use --verbose to include debug lines.`

type rootOptions struct {
	configFile string
	verbose    bool
	overrides  config.Overrides
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.LoadConfig(o.configFile, o.overrides)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "aggregator",
		Short:         "Scheduled calendar event imports",
		Long:          longHelp,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Path to JSON or YAML config file")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose output (show debug logs)")
	flags.StringVar(&opts.overrides.DBPath, "db-path", "", "Path to the SQLite database (overrides config file and AGGREGATOR_DB_PATH)")
	flags.StringVar(&opts.overrides.ServiceURL, "service-url", "", "Aggregator service URL (overrides config file and AGGREGATOR_SERVICE_URL)")
	flags.StringVar(&opts.overrides.APIKey, "api-key", "", "Aggregator service API key (overrides config file and AGGREGATOR_API_KEY)")
	flags.IntVar(&opts.overrides.RequestLimit, "request-limit", 0, "Requests allowed per scheduled pass (overrides config file and AGGREGATOR_REQUEST_LIMIT)")
	flags.StringVar(&opts.overrides.Schedule, "schedule", "", "Recurring schedule id (overrides config file and AGGREGATOR_SCHEDULE)")
	flags.StringVar(&opts.overrides.GoogleCredentialsPath, "google-credentials-path", "", "Path to Google OAuth credentials JSON file (overrides config file and GOOGLE_CREDENTIALS_PATH)")
	flags.StringVar(&opts.overrides.GoogleTokenPath, "google-token-path", "", "Path to store the Google OAuth token (overrides config file and GOOGLE_TOKEN_PATH)")

	cmd.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newRecordCmd(opts),
		newImportCSVCmd(opts),
		newFrequenciesCmd(),
		newAuthCmd(opts),
	)

	return cmd
}

func main() {
	log.SetFlags(log.LstdFlags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Printf("Error: %v", err)
		stop()
		os.Exit(1)
	}
}
