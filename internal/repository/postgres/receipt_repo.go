package postgres

/*
Файл receipt_repo.go хранит копию цепочки квитанций в PostgreSQL.
Каталог прогона остается первичным источником; БД позволяет проверить
цепочку прогона по run_id, не имея доступа к его файлам.
*/

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres

	"github.com/liangfeng-hu/openclaw-flight-recorder-verified/internal/audit"
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS flight_runs (
	run_id        TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	receipt_count INTEGER NOT NULL,
	tip           TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS flight_receipts (
	run_id       TEXT NOT NULL,
	idx          INTEGER NOT NULL,
	trace_id     TEXT NOT NULL,
	seq          BIGINT NOT NULL,
	event_type   TEXT NOT NULL,
	event_hash   TEXT NOT NULL,
	prev_hash    TEXT NOT NULL,
	receipt_hash TEXT NOT NULL,
	PRIMARY KEY (run_id, idx)
)`}

// Количество колонок в таблице flight_receipts
const receiptFields = 8

type ReceiptRepo struct {
	db *sql.DB
}

func NewReceiptRepo(connString string) (*ReceiptRepo, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &ReceiptRepo{db: db}, nil
}

// Ping проверяет доступность базы при старте
func (r *ReceiptRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *ReceiptRepo) Close() error {
	return r.db.Close()
}

func (r *ReceiptRepo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

// WriteBatch реализует audit.ReceiptStore. Повтор той же пачки не дублирует строки.
func (r *ReceiptRepo) WriteBatch(ctx context.Context, runID string, offset int, receipts []audit.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	query, args := buildInsert(runID, offset, receipts)
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("postgres: insert receipts: %w", err)
	}
	return nil
}

// buildInsert динамически строит запрос для пакетной вставки.
func buildInsert(runID string, offset int, receipts []audit.Receipt) (string, []interface{}) {
	var sb strings.Builder
	args := make([]interface{}, 0, len(receipts)*receiptFields)

	for i, rc := range receipts {
		p := i * receiptFields
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8)
		args = append(args,
			runID, offset+i, rc.TraceID, rc.Seq,
			rc.EventType, rc.EventHash, rc.PrevHash, rc.ReceiptHash,
		)
	}

	query := "INSERT INTO flight_receipts (run_id, idx, trace_id, seq, event_type, event_hash, prev_hash, receipt_hash) VALUES " +
		sb.String() + " ON CONFLICT (run_id, idx) DO NOTHING"
	return query, args
}

// FetchChain возвращает цепочку прогона в порядке индексов.
func (r *ReceiptRepo) FetchChain(ctx context.Context, runID string) ([]audit.Receipt, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT trace_id, seq, event_type, event_hash, prev_hash, receipt_hash
		FROM flight_receipts
		WHERE run_id = $1
		ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: fetch chain: %w", err)
	}
	defer rows.Close()

	var out []audit.Receipt
	for rows.Next() {
		var rc audit.Receipt
		if err := rows.Scan(&rc.TraceID, &rc.Seq, &rc.EventType, &rc.EventHash, &rc.PrevHash, &rc.ReceiptHash); err != nil {
			return nil, fmt.Errorf("postgres: scan receipt: %w", err)
		}
		out = append(out, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: fetch chain: %w", err)
	}
	return out, nil
}

// SaveRun пишет итог прогона рядом с его цепочкой.
func (r *ReceiptRepo) SaveRun(ctx context.Context, run audit.RunSummary) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO flight_runs (run_id, status, receipt_count, tip, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status, receipt_count = EXCLUDED.receipt_count, tip = EXCLUDED.tip`,
		run.RunID, run.Status, run.ReceiptCount, run.Tip, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save run: %w", err)
	}
	return nil
}
