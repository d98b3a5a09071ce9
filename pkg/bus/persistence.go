package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"companiongw/pkg/database"
)

// PostgresPersistence appends every published message to an events table.
// Wire it via Broker.SetPersistenceHook; persistence failures never fail
// Publish (spec §4.8).
type PostgresPersistence struct {
	db database.DB
}

// NewPostgresPersistence returns a PersistenceHook backed by db.
func NewPostgresPersistence(db database.DB) *PostgresPersistence {
	return &PostgresPersistence{db: db}
}

// Append is the PersistenceHook implementation.
func (p *PostgresPersistence) Append(ctx context.Context, msg Message) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO events (id, topic, payload, correlation_id, published_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), msg.Topic, msg.Payload, nullableString(msg.CorrelationID), time.Now())
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
