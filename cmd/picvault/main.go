package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/huntworks/picvault/internal/adminapi"
	"github.com/huntworks/picvault/internal/bot"
	"github.com/huntworks/picvault/internal/ingest"
	"github.com/huntworks/picvault/internal/teams"
	"github.com/huntworks/picvault/internal/transport"
)

// liveTransport is what main needs beyond the pipeline's transport view:
// a lifecycle.
type liveTransport interface {
	transport.Transport
	Open(ctx context.Context) error
	Close() error
}

func main() {
	logger := log.Default()

	dataDir := envOr("PICVAULT_DATA_DIR", "data")
	store, err := teams.NewRecordStoreWithLogger(dataDir, logger)
	if err != nil {
		log.Fatalf("failed to initialize record store: %v", err)
	}

	journal, err := teams.BuildJournalFromDSN(os.Getenv("PICVAULT_JOURNAL_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize journal: %v", err)
	}

	registry := teams.NewRegistryWithOptions(store, teams.RegistryOptions{
		Journal: journal,
		Logger:  logger,
	})
	hub := ingest.NewHub(intEnv("PICVAULT_EVENT_BUFFER", 0))

	tr, err := buildTransportFromEnv(logger)
	if err != nil {
		log.Fatalf("failed to initialize transport: %v", err)
	}

	pipeline := ingest.NewPipeline(registry, tr, ingest.PipelineOptions{
		Hub:     hub,
		Journal: journal,
		Logger:  logger,
	})
	service := bot.NewService(registry, store, pipeline, tr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch t := tr.(type) {
	case *transport.Discord:
		t.OnMessage(service.HandleDM)
		t.OnCommand(service.HandleCommand)
	case *transport.Inbox:
		t.OnMessage(service.HandleDM)
	}

	if err := tr.Open(ctx); err != nil {
		log.Fatalf("failed to open transport: %v", err)
	}

	loaded, err := registry.LoadFromDisk(tr.ResolveIdentity)
	if err != nil {
		log.Fatalf("failed to load team records: %v", err)
	}
	log.Printf("loaded %d team record(s) from %s", loaded, dataDir)

	walker := ingest.NewWalker(registry, tr, pipeline, logger)
	if err := walker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("backfill aborted: %v", err)
	}

	scheduler := ingest.NewFlushScheduler(registry, durationEnv("PICVAULT_FLUSH_INTERVAL", 0), logger)
	scheduler.Start(ctx)

	var adminServer *http.Server
	if addr := os.Getenv("PICVAULT_ADMIN_ADDR"); addr != "" {
		adminServer = &http.Server{
			Addr: addr,
			Handler: adminapi.NewServerWithConfig(registry, hub, adminapi.ServerConfig{
				Token: os.Getenv("PICVAULT_ADMIN_TOKEN"),
			}),
		}
		go func() {
			log.Printf("admin api listening on %s", addr)
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("admin api failed: %v", err)
			}
		}()
	}

	log.Printf("picvault running")
	<-ctx.Done()
	log.Printf("shutting down")

	scheduler.Stop()
	if adminServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("admin api shutdown: %v", err)
		}
		cancel()
	}
	if err := tr.Close(); err != nil {
		log.Printf("closing transport: %v", err)
	}
	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Printf("closing journal: %v", err)
		}
	}
}

func buildTransportFromEnv(logger teams.Logger) (liveTransport, error) {
	kind := strings.TrimSpace(os.Getenv("PICVAULT_TRANSPORT"))
	if kind == "" {
		kind = "discord"
	}
	switch kind {
	case "discord":
		token := strings.TrimSpace(os.Getenv("PICVAULT_DISCORD_TOKEN"))
		if token == "" {
			return nil, fmt.Errorf("PICVAULT_DISCORD_TOKEN is required for the discord transport")
		}
		return transport.NewDiscord(transport.DiscordOptions{
			Token:   token,
			GuildID: int64Env("PICVAULT_GUILD_ID", 0),
			Logger:  logger,
		})
	case "inbox":
		roster, err := transport.LoadRoster(os.Getenv("PICVAULT_ROSTER_FILE"))
		if err != nil {
			return nil, fmt.Errorf("loading roster: %w", err)
		}
		return transport.NewInbox(transport.InboxOptions{
			Dir:    envOr("PICVAULT_INBOX_DIR", "inbox"),
			SelfID: int64Env("PICVAULT_SELF_ID", 0),
			Roster: roster,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unsupported transport %q", kind)
	}
}

func envOr(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
