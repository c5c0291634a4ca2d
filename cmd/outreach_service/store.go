package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaycrm/outreach/internal/outreach_service/adapters/contacts"
	"github.com/relaycrm/outreach/internal/outreach_service/app"
	"github.com/relaycrm/outreach/internal/outreach_service/domain"
	"github.com/relaycrm/outreach/internal/outreach_service/repository/memory"
	"github.com/relaycrm/outreach/internal/outreach_service/repository/postgres"
	httptransport "github.com/relaycrm/outreach/internal/outreach_service/transport/http"
	"github.com/relaycrm/outreach/internal/platform/clock"
	"github.com/relaycrm/outreach/internal/platform/config"
	"github.com/relaycrm/outreach/internal/platform/database"
)

const devTokenTTL = 24 * time.Hour

// store is the persistence selected by STORE_DRIVER.
type store struct {
	repos    app.Repositories
	contacts domain.ContactDirectory
	memDir   *contacts.MemoryDirectory // Set for the memory driver only
	pool     *pgxpool.Pool
}

func (s *store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := database.NewDBPool(ctx, cfg.PostgresDSN, database.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := database.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("Database connection established and schema applied")

		repoLogger := logger.With("component", "postgres_repository")
		return &store{
			repos: app.Repositories{
				Suggestions: postgres.NewPgSuggestionRepository(pool, repoLogger),
				Jobs:        postgres.NewPgJobRepository(pool, repoLogger),
				Activity:    postgres.NewPgActivityRepository(pool, repoLogger),
				Watermarks:  postgres.NewPgWatermarkRepository(pool, repoLogger),
			},
			contacts: postgres.NewPgContactDirectory(pool, repoLogger),
			pool:     pool,
		}, nil
	default:
		dir := contacts.NewMemoryDirectory()
		logger.Warn("Using the in-memory store; state is lost on restart")
		return &store{
			repos: app.Repositories{
				Suggestions: memory.NewSuggestionRepository(),
				Jobs:        memory.NewJobRepository(),
				Activity:    memory.NewActivityRepository(),
				Watermarks:  memory.NewWatermarkRepository(),
			},
			contacts: dir,
			memDir:   dir,
		}, nil
	}
}

// seedDevData loads a few contacts with open actions into the memory
// directory and logs an operator token for the API.
func seedDevData(ctx context.Context, st *store, clk clock.Clock, cfg *config.Config, logger *slog.Logger) error {
	token, err := httptransport.IssueToken([]byte(cfg.JWTSecret), "dev-operator", devTokenTTL, clk.Now())
	if err != nil {
		return fmt.Errorf("issue dev token: %w", err)
	}
	logger.InfoContext(ctx, "Development operator token issued", "token", token, "ttl", devTokenTTL)

	if st.memDir == nil {
		logger.WarnContext(ctx, "Sample contacts are only seeded into the memory store", "store_driver", cfg.StoreDriver)
		return nil
	}

	tomorrow := clk.Now().Add(24 * time.Hour)
	samples := []struct {
		contact domain.Contact
		action  string
		due     *time.Time
	}{
		{domain.Contact{Name: "Ana Lima", Email: "ana@example.com", Company: "Northwind"}, "Send proposal", &tomorrow},
		{domain.Contact{Name: "Ben Okafor", Email: "ben@example.com", Company: "Contoso"}, "Follow up on demo", nil},
		{domain.Contact{Name: "Chen Wei", Email: "chen@example.com"}, "", nil},
	}
	for _, s := range samples {
		c := st.memDir.AddContact(s.contact)
		if s.action != "" {
			st.memDir.AddAction(c.ID, s.action, s.due)
		}
		logger.InfoContext(ctx, "Seeded contact", "contact_id", c.ID, "email", c.Email)
	}
	return nil
}
