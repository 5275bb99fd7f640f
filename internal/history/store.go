package history

import (
	"context"
	"time"
)

// ExchangeRecord is one archived user or assistant utterance. The session
// manager keeps the live bounded window; the archive keeps everything a
// session produced until it was evicted.
type ExchangeRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Store archives conversation exchanges beyond the in-session window.
type Store interface {
	SaveExchange(ctx context.Context, record ExchangeRecord) error
	RecentExchanges(ctx context.Context, sessionID string, limit int) ([]ExchangeRecord, error)
	Close() error
}
