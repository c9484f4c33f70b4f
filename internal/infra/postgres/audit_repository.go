package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bailops/api/internal/app"
)

// AuditRepository persists security events delivered by the worker.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Save persists one security event.
func (r *AuditRepository) Save(ctx context.Context, event app.Event) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO security_events (
			id, category, severity, message, user_id, metadata, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, query,
		event.ID,
		event.Category,
		event.Severity,
		event.Message,
		nullString(event.UserID),
		metadataJSON,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save security event: %w", err)
	}

	return nil
}

// RecentByUser returns a user's most recent security events.
func (r *AuditRepository) RecentByUser(ctx context.Context, userID string, limit int) ([]app.Event, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, category, severity, message, COALESCE(user_id, ''), metadata, created_at
		FROM security_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []app.Event
	for rows.Next() {
		var event app.Event
		var metadataJSON []byte

		if err := rows.Scan(
			&event.ID,
			&event.Category,
			&event.Severity,
			&event.Message,
			&event.UserID,
			&metadataJSON,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &event.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate security events: %w", err)
	}

	return events, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
