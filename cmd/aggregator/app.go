package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/apmatthews/the-events-calendar/internal/aggregator"
	"github.com/apmatthews/the-events-calendar/internal/auth"
	"github.com/apmatthews/the-events-calendar/internal/calendar"
	"github.com/apmatthews/the-events-calendar/internal/config"
	"github.com/apmatthews/the-events-calendar/internal/cron"
	"github.com/apmatthews/the-events-calendar/internal/limiter"
	"github.com/apmatthews/the-events-calendar/internal/logging"
	"github.com/apmatthews/the-events-calendar/internal/record"
	"github.com/apmatthews/the-events-calendar/internal/service"
	"github.com/apmatthews/the-events-calendar/internal/store"
)

// app is the wired scheduler: store, limiter, fetchers and the cron driving
// the aggregator pass.
type app struct {
	cfg        *config.Config
	store      *store.Store
	limiter    *limiter.Limiter
	aggregator *aggregator.Cron
	cron       *cron.Cron
	logger     *logging.Logger
}

func newApp(ctx context.Context, cfg *config.Config, verbose bool) (*app, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	logger := logging.NewCLI(verbose)

	// The cron is the deferrer; it is set once the cron exists
	lim := limiter.New(cfg.RequestLimit, nil, cfg.LimitedPrefixes()...)
	httpClient := lim.Client(&http.Client{Timeout: 30 * time.Second})

	fetchers, err := buildFetchers(ctx, cfg, httpClient)
	if err != nil {
		st.Close()
		return nil, err
	}

	processor := aggregator.NewProcessor(fetchers, st, st, logger)
	agg := aggregator.New(st, lim, fetchers, processor, logger)

	c := cron.New(cfg.CronSchedule(), agg.Run)
	lim.SetDeferrer(c)

	return &app{
		cfg:        cfg,
		store:      st,
		limiter:    lim,
		aggregator: agg,
		cron:       c,
		logger:     logger,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// buildFetchers registers a fetcher for every origin the configuration can
// serve. Records of other origins fail when they are queued.
func buildFetchers(ctx context.Context, cfg *config.Config, httpClient *http.Client) (aggregator.Fetchers, error) {
	fetchers := aggregator.Fetchers{}

	if cfg.ServiceURL != "" {
		serviceFetcher := aggregator.NewServiceFetcher(service.NewClient(cfg.ServiceURL, cfg.APIKey, httpClient))
		for _, origin := range record.Origins {
			if origin.IsRemote() {
				fetchers[origin] = serviceFetcher
			}
		}
	} else {
		log.Printf("Warning: service_url not configured, url, meetup and eventbrite records cannot be imported")
	}

	fetchers[record.OriginICal] = newSourceFetcher(cfg, calendar.NewICalSource(httpClient))

	if cfg.GoogleCredentialsPath != "" {
		oauthConfig, err := auth.LoadOAuthConfig(cfg.GoogleCredentialsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load Google credentials: %w", err)
		}
		client, err := auth.GetAuthenticatedClient(ctx, oauthConfig, auth.NewFileTokenStore(cfg.GoogleTokenPath), httpClient)
		if err != nil {
			return nil, fmt.Errorf("failed to authorize Google Calendar: %w", err)
		}
		source, err := calendar.NewGoogleSource(ctx, client)
		if err != nil {
			return nil, err
		}
		fetchers[record.OriginGoogle] = newSourceFetcher(cfg, source)
	}

	if cfg.CalDAV.ServerURL != "" {
		source := calendar.NewCalDAVSource(httpClient, cfg.CalDAV.ServerURL, cfg.CalDAV.Username, cfg.CalDAV.Password)
		fetchers[record.OriginCalDAV] = newSourceFetcher(cfg, source)
	}

	return fetchers, nil
}

func newSourceFetcher(cfg *config.Config, source calendar.Source) *aggregator.SourceFetcher {
	return aggregator.NewSourceFetcher(source, cfg.ImportWindowWeeksPast, cfg.ImportWindowWeeks)
}
