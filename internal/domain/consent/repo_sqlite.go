package consent

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/medchain/medchain/internal/platform/db"
)

// sqlQuerier abstracts over *sql.DB and *sql.Tx.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqliteBase routes reads through the bound transaction when there is one
// and every write through the single-writer worker.
type sqliteBase struct {
	db     *sql.DB
	writer *db.Worker
}

func (b sqliteBase) read(ctx context.Context) sqlQuerier {
	if tx := db.SQLTxFromContext(ctx); tx != nil {
		return tx
	}
	return b.db
}

func (b sqliteBase) write(ctx context.Context, fn db.TxFn) error {
	if tx := db.SQLTxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}
	return b.writer.Do(ctx, fn)
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(us int64) time.Time { return time.UnixMicro(us).UTC() }

// -- Request repository --

type requestRepoSQLite struct {
	sqliteBase
}

func NewRequestRepoSQLite(conn *sql.DB, writer *db.Worker) RequestRepository {
	return &requestRepoSQLite{sqliteBase{db: conn, writer: writer}}
}

const sqliteRequestCols = `seq, id, doctor_id, patient_id, purpose, status, created_at_us, decided_at_us`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequestSQLite(row rowScanner) (*AccessRequest, error) {
	var (
		req       AccessRequest
		status    string
		purpose   sql.NullString
		createdUs int64
		decidedUs sql.NullInt64
	)
	if err := row.Scan(&req.seq, &req.ID, &req.DoctorID, &req.PatientID, &purpose,
		&status, &createdUs, &decidedUs); err != nil {
		return nil, err
	}
	req.Status = Status(status)
	req.CreatedAt = fromMicros(createdUs)
	if purpose.Valid {
		p := purpose.String
		req.Purpose = &p
	}
	if decidedUs.Valid {
		d := fromMicros(decidedUs.Int64)
		req.DecidedAt = &d
	}
	return &req, nil
}

func getRequestSQLite(ctx context.Context, q sqlQuerier, id string) (*AccessRequest, error) {
	req, err := scanRequestSQLite(q.QueryRowContext(ctx,
		`SELECT `+sqliteRequestCols+` FROM access_requests WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErr(id)
	}
	if err != nil {
		return nil, storageErr("request.get", err)
	}
	return req, nil
}

func (r *requestRepoSQLite) Create(ctx context.Context, req *AccessRequest) error {
	var purpose any
	if req.Purpose != nil {
		purpose = *req.Purpose
	}
	err := r.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO access_requests(id, doctor_id, patient_id, purpose, status, created_at_us)
VALUES (?, ?, ?, ?, ?, ?);`,
			req.ID, req.DoctorID, req.PatientID, purpose, string(req.Status), toMicros(req.CreatedAt))
		if err != nil {
			return err
		}
		req.seq, err = res.LastInsertId()
		return err
	})
	return storageErr("request.create", err)
}

func (r *requestRepoSQLite) GetByID(ctx context.Context, id string) (*AccessRequest, error) {
	return getRequestSQLite(ctx, r.read(ctx), id)
}

func (r *requestRepoSQLite) Transition(ctx context.Context, id string, to Status, at time.Time) (*AccessRequest, error) {
	var out *AccessRequest
	err := r.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE access_requests SET status = ?, decided_at_us = ?
WHERE id = ? AND status = 'pending';`, string(to), toMicros(at), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}

		cur, err := getRequestSQLite(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return invalidStateErr(id, cur.Status)
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, storageErr("request.transition", err)
	}
	return out, nil
}

func (r *requestRepoSQLite) ListPendingByPatient(ctx context.Context, patientID string) ([]*AccessRequest, error) {
	return r.list(ctx, "request.list_pending",
		`SELECT `+sqliteRequestCols+` FROM access_requests WHERE patient_id = ? AND status = 'pending' ORDER BY seq;`,
		patientID)
}

func (r *requestRepoSQLite) ListByDoctor(ctx context.Context, doctorID string) ([]*AccessRequest, error) {
	return r.list(ctx, "request.list_doctor",
		`SELECT `+sqliteRequestCols+` FROM access_requests WHERE doctor_id = ? ORDER BY seq;`,
		doctorID)
}

func (r *requestRepoSQLite) ListByPair(ctx context.Context, doctorID, patientID string) ([]*AccessRequest, error) {
	return r.list(ctx, "request.list_pair",
		`SELECT `+sqliteRequestCols+` FROM access_requests WHERE doctor_id = ? AND patient_id = ? ORDER BY seq;`,
		doctorID, patientID)
}

func (r *requestRepoSQLite) list(ctx context.Context, op, query string, args ...any) ([]*AccessRequest, error) {
	rows, err := r.read(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	out := make([]*AccessRequest, 0)
	for rows.Next() {
		req, err := scanRequestSQLite(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, req)
	}
	return out, storageErr(op, rows.Err())
}

// -- Ledger repository --

type ledgerRepoSQLite struct {
	sqliteBase
}

func NewLedgerRepoSQLite(conn *sql.DB, writer *db.Worker) LedgerRepository {
	return &ledgerRepoSQLite{sqliteBase{db: conn, writer: writer}}
}

// Append relies on the single writer for per-stream serialization.
func (r *ledgerRepoSQLite) Append(ctx context.Context, ev *AuditEvent) error {
	err := r.write(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var prevSeq int64
		var prevHash string
		err := tx.QueryRowContext(ctx,
			`SELECT seq, hash FROM audit_events WHERE patient_id = ? ORDER BY seq DESC LIMIT 1;`,
			ev.PatientID).Scan(&prevSeq, &prevHash)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		seal(ev, prevSeq, prevHash)
		_, err = tx.ExecContext(ctx, `
INSERT INTO audit_events(patient_id, seq, doctor_id, request_id, event, actor, recorded_at_us, prev_hash, hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			ev.PatientID, ev.Seq, ev.DoctorID, ev.RequestID, string(ev.Event), ev.Actor,
			toMicros(ev.Timestamp), ev.PrevHash, ev.Hash)
		return err
	})
	return storageErr("ledger.append", err)
}

func (r *ledgerRepoSQLite) ListByPatient(ctx context.Context, patientID string) ([]*AuditEvent, error) {
	rows, err := r.read(ctx).QueryContext(ctx, `
SELECT seq, patient_id, doctor_id, request_id, event, actor, recorded_at_us, prev_hash, hash
FROM audit_events WHERE patient_id = ? ORDER BY seq;`, patientID)
	if err != nil {
		return nil, storageErr("ledger.list", err)
	}
	defer rows.Close()

	out := make([]*AuditEvent, 0)
	for rows.Next() {
		var ev AuditEvent
		var event string
		var us int64
		if err := rows.Scan(&ev.Seq, &ev.PatientID, &ev.DoctorID, &ev.RequestID, &event,
			&ev.Actor, &us, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, storageErr("ledger.list", err)
		}
		ev.Event = EventType(event)
		ev.Timestamp = fromMicros(us)
		out = append(out, &ev)
	}
	return out, storageErr("ledger.list", rows.Err())
}

// NewSQLiteStore wires the SQLite repositories over one connection and its
// writer. Close stops the writer and closes the connection.
func NewSQLiteStore(conn *sql.DB) *Store {
	writer := db.NewWorker(conn)
	return &Store{
		Requests: NewRequestRepoSQLite(conn, writer),
		Ledger:   NewLedgerRepoSQLite(conn, writer),
		Tx:       writer,
		Ping:     conn.PingContext,
		Close: func() {
			writer.Close()
			_ = conn.Close()
		},
	}
}
