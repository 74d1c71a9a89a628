package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rent-ledger-go/internal/models"
	"rent-ledger-go/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RecordWebhookEvent logs an inbound event. A redelivery of an event that is
// still received or processed is logged as duplicate and ErrDuplicateEvent is returned.
func (s *Service) RecordWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	if event.Id == "" {
		event.Id = uuid.New().String()
	}
	if event.Status == "" {
		event.Status = models.WebhookReceived
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, queryInsertWebhookEvent, event.Id, event.Provider, event.EventType,
		event.ProviderEventId, event.Payload, event.Status, event.Error, event.ReceivedAt)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}

	event.Id = uuid.New().String()
	event.Status = models.WebhookDuplicate
	if _, err := s.db.ExecContext(ctx, queryInsertWebhookEvent, event.Id, event.Provider, event.EventType,
		event.ProviderEventId, event.Payload, event.Status, event.Error, event.ReceivedAt); err != nil {
		return fmt.Errorf("failed to record duplicate webhook event: %w", err)
	}

	zap.L().Info("Duplicate webhook event",
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventId))
	return fmt.Errorf("%w: %s %s", store.ErrDuplicateEvent, event.Provider, event.ProviderEventId)
}

func (s *Service) UpdateWebhookEvent(ctx context.Context, id, status, errMsg string) error {
	result, err := s.db.ExecContext(ctx, queryUpdateWebhookEvent, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("webhook event %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// ListWebhookEvents returns the newest events first; an empty provider lists all.
func (s *Service) ListWebhookEvents(ctx context.Context, provider string, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, queryGetWebhookEvents, provider, provider, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer closeRows(rows)

	var events []models.WebhookEvent
	for rows.Next() {
		var e models.WebhookEvent
		var processedAt sql.NullTime
		if err := rows.Scan(&e.Id, &e.Provider, &e.EventType, &e.ProviderEventId, &e.Payload,
			&e.Status, &e.Error, &e.ReceivedAt, &processedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		if processedAt.Valid {
			t := processedAt.Time.UTC()
			e.ProcessedAt = &t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating webhook events: %w", err)
	}
	return events, nil
}

func (s *Service) GetIdempotencyRecord(ctx context.Context, scope, key string) (*store.IdempotencyRecord, error) {
	var r store.IdempotencyRecord
	err := s.db.QueryRowContext(ctx, queryGetIdempotencyRecord, scope, key).
		Scan(&r.Scope, &r.Key, &r.RequestHash, &r.Response, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &r, nil
}

// SaveIdempotencyRecord stores the first response for a key. Saving the same
// request again is a no-op; a different request under the same key is a conflict.
func (s *Service) SaveIdempotencyRecord(ctx context.Context, record store.IdempotencyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, queryInsertIdempotencyRecord, record.Scope, record.Key,
		record.RequestHash, record.Response, record.CreatedAt)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to save idempotency record: %w", err)
	}

	existing, err := s.GetIdempotencyRecord(ctx, record.Scope, record.Key)
	if err != nil {
		return err
	}
	if existing.RequestHash != record.RequestHash {
		return fmt.Errorf("%w: %s/%s", store.ErrIdempotencyConflict, record.Scope, record.Key)
	}
	return nil
}

func (s *Service) AppendNotification(ctx context.Context, n models.Notification) error {
	if n.Id == "" {
		n.Id = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, queryInsertNotification, n.Id, n.TenantId, n.Kind, n.Payload, n.CreatedAt); err != nil {
		return fmt.Errorf("failed to append notification: %w", err)
	}
	return nil
}

func (s *Service) ListNotificationsAfter(ctx context.Context, afterSeq int64, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, queryGetNotificationsAfter, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer closeRows(rows)

	var notifications []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.Seq, &n.Id, &n.TenantId, &n.Kind, &n.Payload, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}
	return notifications, nil
}

// GetExportCursor returns zero for an exporter that has never run.
func (s *Service) GetExportCursor(ctx context.Context, name string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, queryGetExportCursor, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get export cursor: %w", err)
	}
	return seq, nil
}

func (s *Service) SetExportCursor(ctx context.Context, name string, seq int64) error {
	if _, err := s.db.ExecContext(ctx, queryUpsertExportCursor, name, seq, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set export cursor: %w", err)
	}
	return nil
}
