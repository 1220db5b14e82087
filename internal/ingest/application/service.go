// Package application implements IngestService: the orchestration of
// parse -> privacy -> raw insert -> outbox staging inside one transaction.
package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	domainerrors "sbanalytics/internal/ingest/domain/errors"
	"sbanalytics/internal/ingest/ports"
	"sbanalytics/internal/privacy"
	"sbanalytics/internal/shared/events"
)

// RejectedItem describes one document in a batch that was not admitted.
type RejectedItem struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// IngestResult is the response shape of POST /v1/events.
type IngestResult struct {
	Accepted int            `json:"accepted"`
	Deduped  int            `json:"deduped"`
	Rejected []RejectedItem `json:"rejected"`
}

// Service implements the ingest write path.
type Service struct {
	UoW    ports.UnitOfWork
	Parser ports.Parser
	Logger *slog.Logger
}

func NewService(uow ports.UnitOfWork, parser ports.Parser, logger *slog.Logger) *Service {
	return &Service{UoW: uow, Parser: parser, Logger: logger}
}

// Ingest runs the full per-batch admission pipeline in a single
// transaction: either every accepted document's raw row and outbox rows
// land together, or none do.
func (s *Service) Ingest(ctx context.Context, batch []events.Document) (IngestResult, error) {
	if len(batch) == 0 {
		return IngestResult{}, domainerrors.ErrEmptyBatch
	}

	result := IngestResult{Rejected: []RejectedItem{}}

	err := s.UoW.Execute(ctx, func(ctx context.Context, store ports.Store) error {
		gate := privacy.NewTxCache(store)
		for i, doc := range batch {
			evt, err := s.Parser.Parse(doc)
			if err != nil {
				result.Rejected = append(result.Rejected, RejectedItem{Index: i, Error: classifyParseError(err)})
				continue
			}

			optedOut, err := gate.IsOptedOut(ctx, evt.AppUUID, evt.AnonUserID)
			if err != nil {
				return fmt.Errorf("ingest: privacy check: %w", err)
			}
			if optedOut {
				result.Rejected = append(result.Rejected, RejectedItem{Index: i, Error: "opt_out"})
				continue
			}

			inserted, err := store.AdmitRawEvent(ctx, evt)
			if err != nil {
				return fmt.Errorf("ingest: admit raw event: %w", err)
			}
			if !inserted {
				result.Deduped++
				continue
			}

			payload, err := evt.WireEnvelope()
			if err != nil {
				return fmt.Errorf("ingest: build wire envelope: %w", err)
			}

			for _, routingKey := range evt.RoutingKeys() {
				if _, err := store.StageOutbox(ctx, evt, routingKey, payload); err != nil {
					return fmt.Errorf("ingest: stage outbox (%s): %w", routingKey, err)
				}
			}
			result.Accepted++
		}
		return nil
	})
	if err != nil {
		s.Logger.Error("ingest batch failed", "event", "ingest.batch_failed", "error", err)
		return IngestResult{}, err
	}

	s.Logger.Info("ingest batch processed", "event", "ingest.batch_processed",
		"accepted", result.Accepted, "deduped", result.Deduped, "rejected", len(result.Rejected))
	return result, nil
}

// RecordOptOut implements POST /v1/opt-out.
func (s *Service) RecordOptOut(ctx context.Context, appUUID, anonUserID string) error {
	if appUUID == "" || anonUserID == "" {
		return domainerrors.ErrMissingField
	}
	var err error
	txErr := s.UoW.Execute(ctx, func(ctx context.Context, store ports.Store) error {
		err = store.RecordOptOut(ctx, appUUID, anonUserID)
		return err
	})
	if txErr != nil {
		return txErr
	}
	s.Logger.Info("opt-out recorded", "event", "ingest.opt_out_recorded", "app_uuid", appUUID)
	return nil
}

// DeletePersonalData implements POST /v1/privacy/delete.
func (s *Service) DeletePersonalData(ctx context.Context, appUUID, anonUserID string, deleteOptOut bool) (ports.DeleteCounts, error) {
	if appUUID == "" || anonUserID == "" {
		return ports.DeleteCounts{}, domainerrors.ErrMissingField
	}
	var counts ports.DeleteCounts
	err := s.UoW.Execute(ctx, func(ctx context.Context, store ports.Store) error {
		var innerErr error
		counts, innerErr = store.DeletePersonalData(ctx, appUUID, anonUserID, deleteOptOut)
		return innerErr
	})
	if err != nil {
		return ports.DeleteCounts{}, err
	}
	s.Logger.Info("personal data deleted", "event", "ingest.privacy_deleted", "app_uuid", appUUID)
	return counts, nil
}

func classifyParseError(err error) string {
	if errors.Is(err, domainerrors.ErrInvalidEnvelope) {
		return err.Error()
	}
	return "invalid_envelope"
}
