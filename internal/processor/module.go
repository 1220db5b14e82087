// Package processor is the composition root for the event-processor worker:
// GeoEnricher + PresenceMaterializer + LicenseMaterializer behind
// EventProcessor, consuming the geo and license queues.
package processor

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	procbroker "sbanalytics/internal/processor/adapters/broker"
	"sbanalytics/internal/processor/adapters/postgres"
	"sbanalytics/internal/processor/application"
	platformbroker "sbanalytics/internal/platform/broker"
	privacypostgres "sbanalytics/internal/privacy/postgres"
	"sbanalytics/internal/shared/clock"
)

// Dependencies are the externally-owned collaborators a Module needs.
type Dependencies struct {
	DB               *gorm.DB
	Broker           *platformbroker.Conn
	Logger           *slog.Logger
	Clock            clock.Clock
	H3Resolutions    []int
	Prefetch         int
	MaxRetries       int
	RetryBaseSeconds float64
	RetryMaxSeconds  float64
	GeoQueue         string
	LicenseQueue     string
	DLQQueue         string
}

// Module bundles the wired event processor and its queue consumers.
type Module struct {
	consumer     *procbroker.Consumer
	geoQueue     string
	licenseQueue string
	closeFns     []func() error
}

func NewModule(deps Dependencies) (*Module, error) {
	if deps.Clock == nil {
		deps.Clock = clock.SystemClock{}
	}

	uow := postgres.NewUnitOfWork(deps.DB)
	gate := privacypostgres.New(deps.DB)

	republisher, err := procbroker.NewRepublisher(deps.Broker)
	if err != nil {
		return nil, fmt.Errorf("processor: new module: %w", err)
	}
	dlqQueue := deps.DLQQueue
	if dlqQueue == "" {
		dlqQueue = "processor.dlq"
	}
	dlq, err := procbroker.NewDLQPublisher(deps.Broker, deps.Logger, dlqQueue)
	if err != nil {
		return nil, fmt.Errorf("processor: new module: %w", err)
	}

	enricher := application.NewGeoEnricher(deps.H3Resolutions)
	presence := application.NewPresenceMaterializer(enricher)
	license := application.NewLicenseMaterializer()

	eventProcessor := application.NewEventProcessor(
		uow, presence, license, gate, dlq, republisher,
		deps.Clock, deps.Logger, deps.MaxRetries, deps.RetryBaseSeconds, deps.RetryMaxSeconds,
	)

	consumer := procbroker.NewConsumer(deps.Broker, eventProcessor, deps.Logger, deps.Prefetch)

	geoQueue := deps.GeoQueue
	if geoQueue == "" {
		geoQueue = "processor.geo"
	}
	licenseQueue := deps.LicenseQueue
	if licenseQueue == "" {
		licenseQueue = "processor.license"
	}

	return &Module{
		consumer:     consumer,
		geoQueue:     geoQueue,
		licenseQueue: licenseQueue,
		closeFns:     []func() error{republisher.Close, dlq.Close},
	}, nil
}

// Run blocks, consuming both the geo and license queues until ctx is
// cancelled, returning once both consumer goroutines have exited.
func (m *Module) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.consumer.Run(ctx, m.geoQueue, "geo") })
	g.Go(func() error { return m.consumer.Run(ctx, m.licenseQueue, "license") })
	return g.Wait()
}

func (m *Module) Close() error {
	var first error
	for _, fn := range m.closeFns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
