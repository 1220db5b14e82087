// Package outboxpublisher is the composition root for the outbox-publisher
// worker: Repository (SKIP LOCKED lease) + broker Publisher, wired behind
// application.Publisher.
package outboxpublisher

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	outboxbroker "sbanalytics/internal/outboxpublisher/adapters/broker"
	"sbanalytics/internal/outboxpublisher/adapters/postgres"
	"sbanalytics/internal/outboxpublisher/application"
	platformbroker "sbanalytics/internal/platform/broker"
	"sbanalytics/internal/shared/clock"
)

// Dependencies are the externally-owned collaborators a Module needs.
type Dependencies struct {
	DB         *gorm.DB
	Broker     *platformbroker.Conn
	Logger     *slog.Logger
	Clock      clock.Clock
	BatchSize  int
	MaxRetries int
	LeaseTTL   time.Duration
}

// Module bundles the wired outbox publisher.
type Module struct {
	Publisher *application.Publisher
	closeFns  []func() error
}

func NewModule(deps Dependencies) (*Module, error) {
	if deps.Clock == nil {
		deps.Clock = clock.SystemClock{}
	}
	repo := postgres.NewRepository(deps.DB)
	pub, err := outboxbroker.NewPublisher(deps.Broker)
	if err != nil {
		return nil, fmt.Errorf("outboxpublisher: new module: %w", err)
	}
	worker := application.New(repo, pub, deps.Clock, deps.Logger, deps.BatchSize, deps.MaxRetries, deps.LeaseTTL)
	return &Module{Publisher: worker, closeFns: []func() error{pub.Close}}, nil
}

// Close releases broker resources held by the module.
func (m *Module) Close() error {
	var first error
	for _, fn := range m.closeFns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
