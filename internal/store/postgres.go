package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ahrav/go-evalpipe/internal/domain"
)

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Postgres is a Store backed by a pgx connection pool. Inside WithBatchLock
// it is rebound to the transaction holding the lock.
type Postgres struct {
	pool   *pgxpool.Pool
	db     querier
	inTx   bool
	logger *slog.Logger
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{pool: pool, db: pool, logger: slog.Default().With("component", "store_postgres")}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (p *Postgres) CreateSubject(ctx context.Context, s domain.Subject) error {
	_, err := p.db.Exec(ctx,
		`INSERT INTO subjects (id, doc_key, content_type, filename, content) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Document.Key, s.Document.ContentType, s.Document.Filename, s.Content)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrSubjectExists, s.ID)
	}
	if err != nil {
		return fmt.Errorf("insert subject %s: %w", s.ID, err)
	}
	return nil
}

func (p *Postgres) LoadSubject(ctx context.Context, id string) (*domain.Subject, error) {
	s := domain.Subject{ID: id}
	err := p.db.QueryRow(ctx,
		`SELECT doc_key, content_type, filename, content FROM subjects WHERE id = $1`, id,
	).Scan(&s.Document.Key, &s.Document.ContentType, &s.Document.Filename, &s.Content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSubjectNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load subject %s: %w", id, err)
	}
	return &s, nil
}

func (p *Postgres) SaveResult(ctx context.Context, rec domain.EvaluationRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO evaluations (subject_id, job_id, status, overall, relevant, error_class, record, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (subject_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			status = EXCLUDED.status,
			overall = EXCLUDED.overall,
			relevant = EXCLUDED.relevant,
			error_class = EXCLUDED.error_class,
			record = EXCLUDED.record,
			updated_at = EXCLUDED.updated_at`,
		rec.SubjectID, rec.JobID, string(rec.Status), rec.Overall, rec.Relevant, rec.ErrorClass, body, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save result %s: %w", rec.SubjectID, err)
	}
	return nil
}

func (p *Postgres) LoadResult(ctx context.Context, subjectID string) (*domain.EvaluationRecord, error) {
	var body []byte
	err := p.db.QueryRow(ctx, `SELECT record FROM evaluations WHERE subject_id = $1`, subjectID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrResultMissing, subjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", subjectID, err)
	}
	var rec domain.EvaluationRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", subjectID, err)
	}
	return &rec, nil
}

func (p *Postgres) CreateBatch(ctx context.Context, b domain.BatchState) error {
	payload, err := json.Marshal(b.Payload)
	if err != nil {
		return fmt.Errorf("encode batch payload: %w", err)
	}

	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO batches (id, total_count, completed_count, status, priority, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			b.ID, b.TotalCount, b.CompletedCount, string(b.Status), b.Priority, payload, b.CreatedAt)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrBatchExists, b.ID)
		}
		if err != nil {
			return fmt.Errorf("insert batch %s: %w", b.ID, err)
		}

		rows := make([][]any, 0, len(b.SubjectIDs))
		for pos, id := range b.SubjectIDs {
			rows = append(rows, []any{b.ID, id, pos, string(domain.StatusPending)})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"batch_members"},
			[]string{"batch_id", "subject_id", "position", "status"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("insert batch members %s: %w", b.ID, err)
		}
		return nil
	})
}

// RegisterBatch inserts the subjects and the batch in one transaction.
func (p *Postgres) RegisterBatch(ctx context.Context, subjects []domain.Subject, b domain.BatchState) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		txs := &Postgres{pool: p.pool, db: tx, inTx: true, logger: p.logger}
		for _, s := range subjects {
			if err := txs.CreateSubject(ctx, s); err != nil {
				return err
			}
		}
		return txs.CreateBatch(ctx, b)
	})
}

func (p *Postgres) LoadBatch(ctx context.Context, id string) (*domain.BatchState, error) {
	var (
		b       = domain.BatchState{ID: id}
		status  string
		payload []byte
	)
	err := p.db.QueryRow(ctx, `
		SELECT total_count, completed_count, status, priority, payload, created_at, completed_at
		FROM batches WHERE id = $1`, id,
	).Scan(&b.TotalCount, &b.CompletedCount, &status, &b.Priority, &payload, &b.CreatedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load batch %s: %w", id, err)
	}
	b.Status = domain.BatchStatus(status)
	if err := json.Unmarshal(payload, &b.Payload); err != nil {
		return nil, fmt.Errorf("decode batch payload %s: %w", id, err)
	}

	rows, err := p.db.Query(ctx, `SELECT subject_id FROM batch_members WHERE batch_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("load batch subjects %s: %w", id, err)
	}
	b.SubjectIDs, err = pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan batch subjects %s: %w", id, err)
	}
	return &b, nil
}

func (p *Postgres) LoadBatchMembers(ctx context.Context, batchID string) ([]domain.MemberState, error) {
	rows, err := p.db.Query(ctx, `
		SELECT subject_id, position, status, overall, relevant, rank
		FROM batch_members WHERE batch_id = $1 ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("load members %s: %w", batchID, err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.MemberState, error) {
		var (
			m      domain.MemberState
			status string
		)
		err := row.Scan(&m.SubjectID, &m.Position, &status, &m.Overall, &m.Relevant, &m.Rank)
		m.Status = domain.EvaluationStatus(status)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan members %s: %w", batchID, err)
	}
	if len(members) == 0 {
		if _, err := p.LoadBatch(ctx, batchID); err != nil {
			return nil, err
		}
	}
	return members, nil
}

func (p *Postgres) UpdateBatchMember(ctx context.Context, batchID string, m domain.MemberState) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE batch_members SET status = $3, overall = $4, relevant = $5
		WHERE batch_id = $1 AND subject_id = $2`,
		batchID, m.SubjectID, string(m.Status), m.Overall, m.Relevant)
	if err != nil {
		return fmt.Errorf("update member %s/%s: %w", batchID, m.SubjectID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotMember, batchID, m.SubjectID)
	}
	return nil
}

func (p *Postgres) SaveBatchProgress(ctx context.Context, batchID string, members []domain.MemberState, completed int) error {
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range members {
			batch.Queue(`UPDATE batch_members SET rank = $3 WHERE batch_id = $1 AND subject_id = $2`,
				batchID, m.SubjectID, m.Rank)
		}
		batch.Queue(`UPDATE batches SET completed_count = LEAST($2, total_count) WHERE id = $1`, batchID, completed)

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save progress %s: %w", batchID, err)
		}
		return nil
	})
}

func (p *Postgres) MarkBatchComplete(ctx context.Context, batchID string, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE batches SET status = $2, completed_at = COALESCE(completed_at, $3)
		WHERE id = $1`, batchID, string(domain.BatchComplete), at)
	if err != nil {
		return fmt.Errorf("mark batch complete %s: %w", batchID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrBatchNotFound, batchID)
	}
	return nil
}

// WithBatchLock runs fn in one transaction holding a transaction-scoped
// advisory lock on the batch. fn's reads and writes share that transaction,
// so a recompute needs exactly one pooled connection.
func (p *Postgres) WithBatchLock(ctx context.Context, batchID string, fn func(context.Context, Store) error) error {
	if p.inTx {
		return fn(ctx, p)
	}
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, batchID); err != nil {
			return fmt.Errorf("lock batch %s: %w", batchID, err)
		}
		return fn(ctx, &Postgres{pool: p.pool, db: tx, inTx: true, logger: p.logger})
	})
}

func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
