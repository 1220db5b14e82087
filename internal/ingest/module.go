// Package ingest is the composition root for the ingest bounded context:
// EnvelopeParser + PrivacyGate + RawEventStore + Outbox staging, wired
// behind IngestService and its HTTP adapter.
package ingest

import (
	"context"
	"log/slog"
	"net/http"

	"gorm.io/gorm"

	ingesthttp "sbanalytics/internal/ingest/adapters/http"
	"sbanalytics/internal/ingest/adapters/memory"
	ingestpostgres "sbanalytics/internal/ingest/adapters/postgres"
	"sbanalytics/internal/ingest/application"
	"sbanalytics/internal/platform/db"
	"sbanalytics/internal/shared/idgen"
)

// Dependencies are the externally-owned collaborators a Module needs.
type Dependencies struct {
	DB             *gorm.DB
	Logger         *slog.Logger
	StrictEnvelope bool
	IDs            idgen.Generator
}

// Module bundles the wired ingest service and its HTTP handler.
type Module struct {
	Service *application.Service
	Handler *ingesthttp.Handler
}

// NewModule wires the Postgres-backed ingest context.
func NewModule(deps Dependencies) *Module {
	if deps.IDs == nil {
		deps.IDs = idgen.UUIDGenerator{}
	}
	uow := ingestpostgres.NewUnitOfWork(deps.DB)
	parser := application.NewParser(deps.StrictEnvelope, deps.IDs)
	svc := application.NewService(uow, parser, deps.Logger)
	handler := ingesthttp.NewHandler(svc, deps.Logger, func(ctx context.Context) error {
		return db.Ping(ctx, deps.DB)
	})
	return &Module{Service: svc, Handler: handler}
}

// NewInMemoryModule wires the ingest context against the in-memory store,
// for fast unit tests.
func NewInMemoryModule(strict bool, ids idgen.Generator, logger *slog.Logger) (*Module, *memory.Store) {
	store := memory.New()
	parser := application.NewParser(strict, ids)
	svc := application.NewService(store, parser, logger)
	handler := ingesthttp.NewHandler(svc, logger, nil)
	return &Module{Service: svc, Handler: handler}, store
}

// RegisterRoutes mounts this module's HTTP routes.
func (m *Module) RegisterRoutes(mux *http.ServeMux) {
	m.Handler.Register(mux)
}
