package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore keeps each ride as a JSONB document next to the columns the
// conditional writes and list queries need.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return nil, fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return names, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(id, status, requester_id, driver_id, vehicle, pickup_code, payment_ref, created_at, updated_at, doc)
		VALUES($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10)`,
		r.ID, string(r.Status), r.RequesterID, r.DriverID, string(r.Vehicle), r.PickupCode, r.PaymentRef, r.CreatedAt, r.UpdatedAt, doc)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		doc        []byte
		code, pref string
	)
	if err := row.Scan(&doc, &code, &pref); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var r models.Ride
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, err
	}
	r.PickupCode = code
	r.PaymentRef = pref
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT doc, pickup_code, payment_ref FROM rides WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, p.missing(ctx, p.db, id)
	}
	return r, err
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// missing tells a retired ride apart from one that never existed.
func (p *PostgresStore) missing(ctx context.Context, q queryer, id string) error {
	var retired bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM retired_rides WHERE id = $1)`, id).Scan(&retired); err != nil {
		return err
	}
	if retired {
		return ErrRetired
	}
	return ErrNotFound
}

func (p *PostgresStore) UpdateIfStatus(ctx context.Context, id string, expected models.RideStatus, mutate Mutator) (*models.Ride, error) {
	return p.update(ctx, id, &expected, mutate)
}

func (p *PostgresStore) UpdateRide(ctx context.Context, id string, mutate Mutator) (*models.Ride, error) {
	return p.update(ctx, id, nil, mutate)
}

// update locks the row, checks the expected status, applies mutate and writes
// back guarded by the same status, all in one transaction.
func (p *PostgresStore) update(ctx context.Context, id string, expected *models.RideStatus, mutate Mutator) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanRide(tx.QueryRowContext(ctx, `SELECT doc, pickup_code, payment_ref FROM rides WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, ErrNotFound) {
		return nil, p.missing(ctx, tx, id)
	}
	if err != nil {
		return nil, err
	}
	if expected != nil && cur.Status != *expected {
		return nil, ErrStatusMismatch
	}
	guard := cur.Status
	if err := mutate(cur); err != nil {
		return nil, err
	}
	cur.ID = id
	doc, err := json.Marshal(cur)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `UPDATE rides
		SET status = $2, driver_id = NULLIF($3,''), payment_ref = $4, updated_at = $5, doc = $6
		WHERE id = $1 AND status = $7`,
		id, string(cur.Status), cur.DriverID, cur.PaymentRef, cur.UpdatedAt, doc, string(guard))
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, ErrStatusMismatch
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return cur, nil
}

// DeleteIfStatus removes the ride and records its id in retired_rides in one
// transaction.
func (p *PostgresStore) DeleteIfStatus(ctx context.Context, id string, expected models.RideStatus) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM rides WHERE id = $1 AND status = $2`, id, string(expected))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO retired_rides(id) VALUES($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
			return err
		}
		return tx.Commit()
	}
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return p.missing(ctx, tx, id)
	}
	return ErrStatusMismatch
}

func (p *PostgresStore) ListRides(ctx context.Context, f RideFilter) ([]*models.Ride, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PartyID != "" {
		args = append(args, f.PartyID)
		where = append(where, fmt.Sprintf("(requester_id = $%d OR driver_id = $%d)", len(args), len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Vehicle != "" {
		add("vehicle = $%d", string(f.Vehicle))
	}
	if !f.CreatedAfter.IsZero() {
		add("created_at >= $%d", f.CreatedAfter)
	}
	q := `SELECT doc, pickup_code, payment_ref FROM rides`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]*models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `SELECT doc FROM drivers WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d models.Driver
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *PostgresStore) SaveDriver(ctx context.Context, d *models.Driver) error {
	doc, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO drivers(id, doc) VALUES($1,$2)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, d.ID, doc)
	return err
}
