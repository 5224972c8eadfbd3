package spend

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// MemoryLedger keeps settlement records in process memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	records []SettlementRecord
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make([]SettlementRecord, 0)}
}

func (l *MemoryLedger) Record(ctx context.Context, record SettlementRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, record)
	return nil
}

func (l *MemoryLedger) TotalSpend(ctx context.Context, since time.Time) (float64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var total float64
	for _, r := range l.records {
		if r.SettledAt.After(since) {
			total += r.DollarsUsed
		}
	}
	return total, nil
}

// Records returns a copy of all settlement records.
func (l *MemoryLedger) Records() []SettlementRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]SettlementRecord, len(l.records))
	copy(result, l.records)
	return result
}

// PostgresLedger persists settlement records for durable spend accounting
// across restarts.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// OpenPostgresLedger connects to the database at databaseURL.
func OpenPostgresLedger(databaseURL string) (*PostgresLedger, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger db connection failed: %w", err)
	}
	return &PostgresLedger{db: db}, nil
}

func (l *PostgresLedger) Record(ctx context.Context, record SettlementRecord) error {
	query := `
		INSERT INTO settlement_records (authorization_id, model_name, prompt_tokens, completion_tokens, dollars_authorized, dollars_used, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err := l.db.ExecContext(ctx, query,
		record.AuthorizationID,
		record.ModelName,
		record.PromptTokens,
		record.CompletionTokens,
		record.DollarsAuthorized,
		record.DollarsUsed,
		record.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("insert settlement record: %w", err)
	}
	return nil
}

func (l *PostgresLedger) TotalSpend(ctx context.Context, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(dollars_used), 0)
		FROM settlement_records
		WHERE settled_at >= $1
	`

	var total float64
	if err := l.db.QueryRowContext(ctx, query, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query total spend: %w", err)
	}
	return total, nil
}

func (l *PostgresLedger) Close() error {
	return l.db.Close()
}
