package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/models"
)

// PostgresStore persists orders with an optimistic version column. The
// WHERE version=$n guard is what gives the accept transition its
// exactly-one-winner property across processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveOrder(ctx context.Context, o *models.Order) error {
	history, err := json.Marshal(o.OfferHistory)
	if err != nil {
		return fmt.Errorf("marshal offer history: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO orders(id, client_id, driver_id, pickup_text, pickup_lat, pickup_lon,
		                   dropoff_text, dropoff_lat, dropoff_lon, method, status,
		                   decline_reason, offer_history, version, created_at, assigned_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		o.ID, o.ClientID, nullStr(o.DriverID),
		o.Pickup.Text, o.Pickup.Coord.Lat, o.Pickup.Coord.Lon,
		o.Dropoff.Text, o.Dropoff.Coord.Lat, o.Dropoff.Coord.Lon,
		string(o.Method), string(o.Status), nullStr(string(o.DeclineReason)),
		history, o.Version, o.CreatedAt, o.AssignedAt, o.CompletedAt)
	return err
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *models.Order, expectVersion uint64) error {
	history, err := json.Marshal(o.OfferHistory)
	if err != nil {
		return fmt.Errorf("marshal offer history: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders SET driver_id=$1, status=$2, decline_reason=$3, offer_history=$4,
		                  version=$5, assigned_at=$6, completed_at=$7, updated_at=$8
		WHERE id=$9 AND version=$10`,
		nullStr(o.DriverID), string(o.Status), nullStr(string(o.DeclineReason)), history,
		o.Version, o.AssignedAt, o.CompletedAt, time.Now(), o.ID, expectVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the order vanished or another writer bumped the version.
		if _, err := p.GetOrder(ctx, o.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, client_id, driver_id, pickup_text, pickup_lat, pickup_lon,
		       dropoff_text, dropoff_lat, dropoff_lon, method, status,
		       decline_reason, offer_history, version, created_at, assigned_at, completed_at
		FROM orders WHERE id=$1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownOrder
	}
	return o, err
}

func (p *PostgresStore) ListActiveByDriver(ctx context.Context, driverID string) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, client_id, driver_id, pickup_text, pickup_lat, pickup_lon,
		       dropoff_text, dropoff_lat, dropoff_lon, method, status,
		       decline_reason, offer_history, version, created_at, assigned_at, completed_at
		FROM orders
		WHERE driver_id=$1 AND status NOT IN ('completed','declined','cancelled')
		ORDER BY created_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var (
		o             models.Order
		driverID      sql.NullString
		declineReason sql.NullString
		history       []byte
		assignedAt    sql.NullTime
		completedAt   sql.NullTime
	)
	err := row.Scan(&o.ID, &o.ClientID, &driverID,
		&o.Pickup.Text, &o.Pickup.Coord.Lat, &o.Pickup.Coord.Lon,
		&o.Dropoff.Text, &o.Dropoff.Coord.Lat, &o.Dropoff.Coord.Lon,
		&o.Method, &o.Status, &declineReason, &history,
		&o.Version, &o.CreatedAt, &assignedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	o.DriverID = driverID.String
	o.DeclineReason = models.DeclineReason(declineReason.String)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &o.OfferHistory); err != nil {
			return nil, fmt.Errorf("unmarshal offer history: %w", err)
		}
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		o.AssignedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return &o, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
