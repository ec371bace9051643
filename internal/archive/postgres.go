package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/xela07ax/telemetry-relay/internal/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// PostgresRepo пишет записи перехвата в таблицу intercepted_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(connString string) (*PostgresRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresRepo{db: db}, nil
}

func (r *PostgresRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *PostgresRepo) WriteBatch(ctx context.Context, entries []domain.InterceptedEvent) error {
	if len(entries) == 0 {
		return nil
	}

	// Количество колонок в таблице intercepted_events
	numFields := 7
	placeholderStr := ""
	vals := make([]interface{}, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7)

		original, _ := json.Marshal(e.Original)
		enriched, _ := json.Marshal(e.Enriched)
		headers, _ := json.Marshal(e.Headers)

		vals = append(vals,
			e.ID, e.SessionID, string(e.Type),
			original, enriched, headers, e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO intercepted_events (id, session_id, type, original, enriched, headers, captured_at) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("archive batch insert failed: %w", err)
	}
	return nil
}

func (r *PostgresRepo) Close() error {
	return r.db.Close()
}
