package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Device is a board the app has connected to before.
type Device struct {
	Connector       string
	Address         string
	Name            string
	ConnectCount    int
	LastConnectedAt time.Time
}

type DeviceRepo struct {
	db *sql.DB
}

func NewDeviceRepo(db *sql.DB) *DeviceRepo {
	return &DeviceRepo{db: db}
}

// Upsert records a successful connection and bumps the connect counter.
func (r *DeviceRepo) Upsert(ctx context.Context, d Device) error {
	if strings.TrimSpace(d.Connector) == "" || strings.TrimSpace(d.Address) == "" {
		return errors.New("device connector and address are required")
	}
	if d.LastConnectedAt.IsZero() {
		d.LastConnectedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices(connector, address, name, connect_count, last_connected_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(connector, address) DO UPDATE SET
			name = COALESCE(excluded.name, devices.name),
			connect_count = devices.connect_count + 1,
			last_connected_at = excluded.last_connected_at
	`, d.Connector, d.Address, nullableString(d.Name), millisColumn(d.LastConnectedAt))
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}

	return nil
}

// LastByConnector returns the most recently connected device of a connector.
// ok is false when none was recorded.
func (r *DeviceRepo) LastByConnector(ctx context.Context, connector string) (Device, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT connector, address, name, connect_count, last_connected_at
		FROM devices
		WHERE connector = ?
		ORDER BY last_connected_at DESC
		LIMIT 1
	`, connector)

	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, false, nil
	}
	if err != nil {
		return Device{}, false, err
	}

	return d, true, nil
}

func (r *DeviceRepo) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT connector, address, name, connect_count, last_connected_at
		FROM devices
		ORDER BY last_connected_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return out, nil
}

func (r *DeviceRepo) Forget(ctx context.Context, connector, address string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE connector = ? AND address = ?`, connector, address); err != nil {
		return fmt.Errorf("forget device: %w", err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(s rowScanner) (Device, error) {
	var (
		d      Device
		name   sql.NullString
		lastMs int64
	)
	if err := s.Scan(&d.Connector, &d.Address, &name, &d.ConnectCount, &lastMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, err
		}
		return Device{}, fmt.Errorf("scan device: %w", err)
	}
	if name.Valid {
		d.Name = name.String
	}
	d.LastConnectedAt = timeFromMillis(lastMs)

	return d, nil
}
