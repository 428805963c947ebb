package consent

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medchain/medchain/internal/platform/db"
)

// queryable abstracts over *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// -- Request repository --

type requestRepoPG struct {
	pool *pgxpool.Pool
}

func NewRequestRepoPG(pool *pgxpool.Pool) RequestRepository {
	return &requestRepoPG{pool: pool}
}

func (r *requestRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const requestCols = `seq, id, doctor_id, patient_id, purpose, status, created_at, decided_at`

func scanRequest(row pgx.Row) (*AccessRequest, error) {
	var req AccessRequest
	var status string
	err := row.Scan(&req.seq, &req.ID, &req.DoctorID, &req.PatientID, &req.Purpose,
		&status, &req.CreatedAt, &req.DecidedAt)
	if err != nil {
		return nil, err
	}
	req.Status = Status(status)
	req.CreatedAt = req.CreatedAt.UTC()
	if req.DecidedAt != nil {
		d := req.DecidedAt.UTC()
		req.DecidedAt = &d
	}
	return &req, nil
}

func (r *requestRepoPG) Create(ctx context.Context, req *AccessRequest) error {
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO access_request (id, doctor_id, patient_id, purpose, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING seq`,
		req.ID, req.DoctorID, req.PatientID, req.Purpose, string(req.Status), req.CreatedAt,
	).Scan(&req.seq)
	return storageErr("request.create", err)
}

func (r *requestRepoPG) GetByID(ctx context.Context, id string) (*AccessRequest, error) {
	req, err := scanRequest(r.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM access_request WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundErr(id)
	}
	if err != nil {
		return nil, storageErr("request.get", err)
	}
	return req, nil
}

func (r *requestRepoPG) Transition(ctx context.Context, id string, to Status, at time.Time) (*AccessRequest, error) {
	req, err := scanRequest(r.conn(ctx).QueryRow(ctx, `
		UPDATE access_request SET status = $2, decided_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING `+requestCols,
		id, string(to), at))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, storageErr("request.transition", err)
	}

	// No row changed: either the id is unknown or another caller won.
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, invalidStateErr(id, cur.Status)
}

func (r *requestRepoPG) ListPendingByPatient(ctx context.Context, patientID string) ([]*AccessRequest, error) {
	return r.list(ctx, "request.list_pending",
		`SELECT `+requestCols+` FROM access_request WHERE patient_id = $1 AND status = 'pending' ORDER BY seq`,
		patientID)
}

func (r *requestRepoPG) ListByDoctor(ctx context.Context, doctorID string) ([]*AccessRequest, error) {
	return r.list(ctx, "request.list_doctor",
		`SELECT `+requestCols+` FROM access_request WHERE doctor_id = $1 ORDER BY seq`,
		doctorID)
}

func (r *requestRepoPG) ListByPair(ctx context.Context, doctorID, patientID string) ([]*AccessRequest, error) {
	return r.list(ctx, "request.list_pair",
		`SELECT `+requestCols+` FROM access_request WHERE doctor_id = $1 AND patient_id = $2 ORDER BY seq`,
		doctorID, patientID)
}

func (r *requestRepoPG) list(ctx context.Context, op, query string, args ...interface{}) ([]*AccessRequest, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := make([]*AccessRequest, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, req)
	}
	return out, storageErr(op, rows.Err())
}

// -- Ledger repository --

type ledgerRepoPG struct {
	pool *pgxpool.Pool
}

func NewLedgerRepoPG(pool *pgxpool.Pool) LedgerRepository {
	return &ledgerRepoPG{pool: pool}
}

// inTx runs fn in the transaction bound to ctx, or in a new one.
func (r *ledgerRepoPG) inTx(ctx context.Context, fn func(q queryable) error) error {
	if tx := db.TxFromContext(ctx); tx != nil {
		return fn(tx)
	}
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error { return fn(tx) })
}

func (r *ledgerRepoPG) Append(ctx context.Context, ev *AuditEvent) error {
	err := r.inTx(ctx, func(q queryable) error {
		// Serializes appends to one patient's stream until commit.
		if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.PatientID); err != nil {
			return err
		}

		var prevSeq int64
		var prevHash string
		err := q.QueryRow(ctx,
			`SELECT seq, hash FROM audit_event WHERE patient_id = $1 ORDER BY seq DESC LIMIT 1`,
			ev.PatientID).Scan(&prevSeq, &prevHash)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		seal(ev, prevSeq, prevHash)
		_, err = q.Exec(ctx, `
			INSERT INTO audit_event (patient_id, seq, doctor_id, request_id, event, actor, recorded_at, prev_hash, hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.PatientID, ev.Seq, ev.DoctorID, ev.RequestID, string(ev.Event), ev.Actor,
			ev.Timestamp, ev.PrevHash, ev.Hash)
		return err
	})
	return storageErr("ledger.append", err)
}

func (r *ledgerRepoPG) ListByPatient(ctx context.Context, patientID string) ([]*AuditEvent, error) {
	var q queryable = r.pool
	if tx := db.TxFromContext(ctx); tx != nil {
		q = tx
	}

	rows, err := q.Query(ctx, `
		SELECT seq, patient_id, doctor_id, request_id, event, actor, recorded_at, prev_hash, hash
		FROM audit_event WHERE patient_id = $1 ORDER BY seq`, patientID)
	if err != nil {
		return nil, storageErr("ledger.list", err)
	}
	defer rows.Close()

	out := make([]*AuditEvent, 0)
	for rows.Next() {
		var ev AuditEvent
		var event string
		if err := rows.Scan(&ev.Seq, &ev.PatientID, &ev.DoctorID, &ev.RequestID, &event,
			&ev.Actor, &ev.Timestamp, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, storageErr("ledger.list", err)
		}
		ev.Event = EventType(event)
		ev.Timestamp = ev.Timestamp.UTC()
		out = append(out, &ev)
	}
	return out, storageErr("ledger.list", rows.Err())
}

// NewPostgresStore wires the PostgreSQL repositories over one pool.
func NewPostgresStore(pool *pgxpool.Pool) *Store {
	return &Store{
		Requests: NewRequestRepoPG(pool),
		Ledger:   NewLedgerRepoPG(pool),
		Tx:       db.PGTransactor{Pool: pool},
		Ping:     pool.Ping,
		Close:    pool.Close,
	}
}
