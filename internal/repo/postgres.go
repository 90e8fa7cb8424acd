package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/mailtrack/internal/abtest"
	"github.com/noah-isme/mailtrack/internal/generator"
	"github.com/noah-isme/mailtrack/internal/mail"
)

// ErrStoreUnavailable indicates the database pool is not configured.
var ErrStoreUnavailable = errors.New("repo: store unavailable")

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PGStore implements mail.Store and abtest.Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a store backed by a pgx connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

var (
	_ mail.Store   = (*PGStore)(nil)
	_ abtest.Store = (*PGStore)(nil)
)

// Create inserts the record and, for experiment sends, bumps the variant's
// sent counter in the same transaction.
func (s *PGStore) Create(ctx context.Context, rec mail.Record) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	var (
		expID   pgtype.UUID
		variant pgtype.Text
	)
	if rec.ExperimentID != "" {
		id, err := uuid.Parse(rec.ExperimentID)
		if err != nil {
			return abtest.ErrNotFound
		}
		if !abtest.Variant(rec.Variant).Valid() {
			return ErrUnknownVariant
		}
		expID = pgtype.UUID{Bytes: id, Valid: true}
		variant = pgtype.Text{String: rec.Variant, Valid: true}
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO delivery_records (token, recipient, subject, content, sent_at, opens, experiment_id, variant)
VALUES ($1, $2, $3, $4, $5, '{}', $6, $7)`, rec.Token, rec.Recipient, rec.Subject, rec.Content, rec.SentAt.UTC(), expID, variant)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case pgUniqueViolation:
					return mail.ErrDuplicateToken
				case pgForeignKeyViolation:
					return abtest.ErrNotFound
				}
			}
			return fmt.Errorf("insert delivery record: %w", err)
		}
		if !expID.Valid {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE experiment_variants SET sent_count = sent_count + 1
WHERE experiment_id = $1 AND variant = $2`, expID, variant); err != nil {
			return fmt.Errorf("increment sent count: %w", err)
		}
		return nil
	})
}

// RecordOpen appends at to the record's opens. The row lock taken by the
// update serialises concurrent opens of one token, so the returned
// cardinality identifies the first open exactly once.
func (s *PGStore) RecordOpen(ctx context.Context, token string, at time.Time) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			opens   int
			expID   pgtype.UUID
			variant pgtype.Text
		)
		err := tx.QueryRow(ctx, `UPDATE delivery_records SET opens = array_append(opens, $2)
WHERE token = $1 RETURNING cardinality(opens), experiment_id, variant`, token, at.UTC()).Scan(&opens, &expID, &variant)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return mail.ErrNotFound
			}
			return fmt.Errorf("append open: %w", err)
		}
		if opens != 1 || !expID.Valid {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE experiment_variants SET open_count = open_count + 1
WHERE experiment_id = $1 AND variant = $2`, expID, variant); err != nil {
			return fmt.Errorf("increment open count: %w", err)
		}
		return nil
	})
}

const recordColumns = `token, recipient, subject, content, sent_at, opens, experiment_id, variant`

func scanRecord(row pgx.Row) (mail.Record, error) {
	var (
		rec     mail.Record
		expID   pgtype.UUID
		variant pgtype.Text
	)
	if err := row.Scan(&rec.Token, &rec.Recipient, &rec.Subject, &rec.Content, &rec.SentAt, &rec.Opens, &expID, &variant); err != nil {
		return mail.Record{}, err
	}
	if expID.Valid {
		rec.ExperimentID = uuid.UUID(expID.Bytes).String()
		rec.Variant = variant.String
	}
	rec.SentAt = rec.SentAt.UTC()
	for i := range rec.Opens {
		rec.Opens[i] = rec.Opens[i].UTC()
	}
	return rec, nil
}

// Get fetches a record by token.
func (s *PGStore) Get(ctx context.Context, token string) (mail.Record, error) {
	if s == nil || s.pool == nil {
		return mail.Record{}, ErrStoreUnavailable
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM delivery_records WHERE token = $1`, token))
	if errors.Is(err, pgx.ErrNoRows) {
		return mail.Record{}, mail.ErrNotFound
	}
	return rec, err
}

// ListRecent returns up to limit records, newest first.
func (s *PGStore) ListRecent(ctx context.Context, limit int) ([]mail.Record, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit = clampPositive(limit, 1, 500)
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM delivery_records ORDER BY sent_at DESC, token DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]mail.Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountTotal counts all records.
func (s *PGStore) CountTotal(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_records`).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// CountOpened counts records with at least one open.
func (s *PGStore) CountOpened(ctx context.Context) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	var total int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_records WHERE cardinality(opens) > 0`).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// CreateExperiment persists the experiment, both variants and every
// prospect assignment in one transaction.
func (s *PGStore) CreateExperiment(ctx context.Context, exp abtest.Experiment) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	id, err := uuid.Parse(exp.ID)
	if err != nil {
		return fmt.Errorf("experiment id: %w", err)
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO experiments (id, name, created_at) VALUES ($1, $2, $3)`, id, exp.Name, exp.CreatedAt.UTC()); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return ErrDuplicateExperiment
			}
			return fmt.Errorf("insert experiment: %w", err)
		}
		for _, v := range []abtest.Variant{abtest.VariantA, abtest.VariantB} {
			arm := exp.Arm(v)
			brief, err := encodeBrief(arm.Brief)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `INSERT INTO experiment_variants (experiment_id, variant, subject, content, brief, sent_count, open_count)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, id, string(v), arm.Subject, arm.Content, brief, arm.SentCount, arm.OpenCount); err != nil {
				return fmt.Errorf("insert variant %s: %w", v, err)
			}
		}
		rows := make([][]any, 0, len(exp.Prospects))
		for i, p := range exp.Prospects {
			rows = append(rows, []any{id, p.Email, string(p.Variant), int32(i)})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"experiment_prospects"},
			[]string{"experiment_id", "email", "variant", "position"}, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("insert prospects: %w", err)
		}
		return nil
	})
}

// GetExperiment loads one experiment with its variants and prospects.
func (s *PGStore) GetExperiment(ctx context.Context, id string) (abtest.Experiment, error) {
	if s == nil || s.pool == nil {
		return abtest.Experiment{}, ErrStoreUnavailable
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return abtest.Experiment{}, abtest.ErrNotFound
	}
	exps, err := s.loadExperiments(ctx, &parsed)
	if err != nil {
		return abtest.Experiment{}, err
	}
	if len(exps) == 0 {
		return abtest.Experiment{}, abtest.ErrNotFound
	}
	return exps[0], nil
}

// ListExperiments returns all experiments ordered by creation time, newest first.
func (s *PGStore) ListExperiments(ctx context.Context) ([]abtest.Experiment, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	return s.loadExperiments(ctx, nil)
}

// ReconcileExperiment recomputes both variants' counters from the records.
func (s *PGStore) ReconcileExperiment(ctx context.Context, id string) (abtest.Experiment, error) {
	if s == nil || s.pool == nil {
		return abtest.Experiment{}, ErrStoreUnavailable
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return abtest.Experiment{}, abtest.ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `UPDATE experiment_variants v SET
    sent_count = (SELECT COUNT(*) FROM delivery_records d WHERE d.experiment_id = v.experiment_id AND d.variant = v.variant),
    open_count = (SELECT COUNT(*) FROM delivery_records d WHERE d.experiment_id = v.experiment_id AND d.variant = v.variant AND cardinality(d.opens) > 0)
WHERE v.experiment_id = $1`, parsed)
	if err != nil {
		return abtest.Experiment{}, fmt.Errorf("reconcile counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return abtest.Experiment{}, abtest.ErrNotFound
	}
	return s.GetExperiment(ctx, id)
}

func (s *PGStore) loadExperiments(ctx context.Context, only *uuid.UUID) ([]abtest.Experiment, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if only != nil {
		rows, err = s.pool.Query(ctx, `SELECT e.id, e.name, e.created_at, v.variant, v.subject, v.content, v.brief, v.sent_count, v.open_count
FROM experiments e JOIN experiment_variants v ON v.experiment_id = e.id
WHERE e.id = $1 ORDER BY v.variant`, *only)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT e.id, e.name, e.created_at, v.variant, v.subject, v.content, v.brief, v.sent_count, v.open_count
FROM experiments e JOIN experiment_variants v ON v.experiment_id = e.id
ORDER BY e.created_at DESC, e.id DESC, v.variant`)
	}
	if err != nil {
		return nil, err
	}
	var (
		ordered []*abtest.Experiment
		byID    = make(map[uuid.UUID]*abtest.Experiment)
	)
	for rows.Next() {
		var (
			id        uuid.UUID
			name      string
			createdAt time.Time
			variant   string
			arm       abtest.VariantData
			brief     []byte
		)
		if err := rows.Scan(&id, &name, &createdAt, &variant, &arm.Subject, &arm.Content, &brief, &arm.SentCount, &arm.OpenCount); err != nil {
			rows.Close()
			return nil, err
		}
		if arm.Brief, err = decodeBrief(brief); err != nil {
			rows.Close()
			return nil, err
		}
		exp, ok := byID[id]
		if !ok {
			exp = &abtest.Experiment{ID: id.String(), Name: name, CreatedAt: createdAt.UTC(), Prospects: []abtest.Prospect{}}
			byID[id] = exp
			ordered = append(ordered, exp)
		}
		if dst := exp.Arm(abtest.Variant(variant)); dst != nil {
			*dst = arm
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ordered) == 0 {
		return []abtest.Experiment{}, nil
	}

	if only != nil {
		rows, err = s.pool.Query(ctx, `SELECT experiment_id, email, variant FROM experiment_prospects WHERE experiment_id = $1 ORDER BY position`, *only)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT experiment_id, email, variant FROM experiment_prospects ORDER BY experiment_id, position`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id      uuid.UUID
			email   string
			variant string
		)
		if err := rows.Scan(&id, &email, &variant); err != nil {
			return nil, err
		}
		if exp, ok := byID[id]; ok {
			exp.Prospects = append(exp.Prospects, abtest.Prospect{Email: email, Variant: abtest.Variant(variant)})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]abtest.Experiment, 0, len(ordered))
	for _, exp := range ordered {
		out = append(out, *exp)
	}
	return out, nil
}

func encodeBrief(p *generator.Params) (any, error) {
	if p == nil {
		return nil, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode brief: %w", err)
	}
	return string(data), nil
}

func decodeBrief(data []byte) (*generator.Params, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var p generator.Params
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode brief: %w", err)
	}
	return &p, nil
}

func clampPositive(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
