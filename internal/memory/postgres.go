package memory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PGStore persists facts in Postgres. Store order is the original insertion
// order; replacing a key keeps its position.
type PGStore struct {
	db  *sql.DB
	now func() time.Time
}

func OpenPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping memory database: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		db.Close()
		return nil, err
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory database: %w", err)
	}

	return &PGStore{db: db, now: time.Now}, nil
}

func (s *PGStore) Load() ([]Fact, error) {
	rows, err := s.db.Query(`SELECT key, value, created_at FROM memory_facts ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("load memory facts: %w", err)
	}
	defer rows.Close()

	var facts []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.Key, &f.Value, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory fact: %w", err)
		}
		facts = append(facts, f)
	}
	return facts, rows.Err()
}

func (s *PGStore) Save(key, value string) (Fact, error) {
	fact := Fact{Key: key, Value: value, CreatedAt: s.now()}
	_, err := s.db.Exec(`
		INSERT INTO memory_facts (key, value, created_at, position)
		VALUES ($1, $2, $3, (SELECT COALESCE(MAX(position), 0) + 1 FROM memory_facts))
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, created_at = EXCLUDED.created_at`,
		key, value, fact.CreatedAt)
	if err != nil {
		return Fact{}, fmt.Errorf("save memory fact: %w", err)
	}
	return fact, nil
}

func (s *PGStore) ContextString() (string, error) {
	facts, err := s.Load()
	if err != nil {
		return "", err
	}
	return RenderContext(facts), nil
}

func (s *PGStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM memory_facts`); err != nil {
		return fmt.Errorf("clear memory facts: %w", err)
	}
	return nil
}

func (s *PGStore) Close() error {
	return s.db.Close()
}
