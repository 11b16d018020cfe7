package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same ID or address exists.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device record in full.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// UpdateState updates only the observable state columns (power,
	// brightness, colour, temperature, liveness). This is optimised for the
	// frequent writes coming out of the coalescer flush.
	UpdateState(ctx context.Context, device *Device) error

	// UpdateHealth updates only the liveness columns.
	UpdateHealth(ctx context.Context, id string, online bool, lastSeen time.Time) error

	// Rename updates only the device name.
	Rename(ctx context.Context, id, name string) error

	// UpdateLocation updates only the client-side location metadata.
	UpdateLocation(ctx context.Context, id, location string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, name, ip_address, location, is_on, brightness,
	color_r, color_g, color_b, temperature, is_online, last_seen,
	created_at, updated_at`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// List retrieves all devices ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close() //nolint:errcheck // Read-only cursor

	var devices []Device
	for rows.Next() {
		device, scanErr := scanDevice(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning device row: %w", scanErr)
		}
		devices = append(devices, *device)
	}
	return devices, rows.Err()
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	if err := validate(device); err != nil {
		return err
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		device.ID, device.Name, device.IPAddress, device.Location,
		device.IsOn, device.Brightness,
		device.Color.R, device.Color.G, device.Color.B,
		device.Temperature, device.IsOnline, nullableTime(device.LastSeen),
		device.CreatedAt, device.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update modifies an existing device record in full.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	if err := validate(device); err != nil {
		return err
	}

	device.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices
		SET name = ?, ip_address = ?, location = ?, is_on = ?, brightness = ?,
			color_r = ?, color_g = ?, color_b = ?, temperature = ?,
			is_online = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.Name, device.IPAddress, device.Location,
		device.IsOn, device.Brightness,
		device.Color.R, device.Color.G, device.Color.B,
		device.Temperature, device.IsOnline, nullableTime(device.LastSeen),
		device.UpdatedAt, device.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRowAffected(result)
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateState updates only the observable state columns.
func (r *SQLiteRepository) UpdateState(ctx context.Context, device *Device) error {
	query := `
		UPDATE devices
		SET is_on = ?, brightness = ?, color_r = ?, color_g = ?, color_b = ?,
			temperature = ?, is_online = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		device.IsOn, device.Brightness,
		device.Color.R, device.Color.G, device.Color.B,
		device.Temperature, device.IsOnline, nullableTime(device.LastSeen),
		time.Now().UTC(), device.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device state: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateHealth updates only the liveness columns.
func (r *SQLiteRepository) UpdateHealth(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	query := `UPDATE devices SET is_online = ?, last_seen = ?, updated_at = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		online, nullableTime(lastSeen), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating device health: %w", err)
	}
	return requireRowAffected(result)
}

// Rename updates only the device name.
func (r *SQLiteRepository) Rename(ctx context.Context, id, name string) error {
	if name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDevice)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET name = ?, updated_at = ? WHERE id = ?`,
		name, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("renaming device: %w", err)
	}
	return requireRowAffected(result)
}

// UpdateLocation updates only the client-side location metadata.
func (r *SQLiteRepository) UpdateLocation(ctx context.Context, id, location string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET location = ?, updated_at = ? WHERE id = ?`,
		location, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating device location: %w", err)
	}
	return requireRowAffected(result)
}

// validate performs minimal integrity checks before persistence.
func validate(device *Device) error {
	if device.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidDevice)
	}
	if device.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidDevice)
	}
	if device.IPAddress == "" {
		return fmt.Errorf("%w: missing ip address", ErrInvalidDevice)
	}
	if device.Brightness < 0 || device.Brightness > 255 {
		return fmt.Errorf("%w: brightness %d out of range", ErrInvalidDevice, device.Brightness)
	}
	if device.Temperature < 0 || device.Temperature > 1 {
		return fmt.Errorf("%w: temperature %f out of range", ErrInvalidDevice, device.Temperature)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanDevice.
type scanner interface {
	Scan(dest ...any) error
}

// scanDevice reads one device row.
func scanDevice(s scanner) (*Device, error) {
	var d Device
	var lastSeen sql.NullTime

	err := s.Scan(
		&d.ID, &d.Name, &d.IPAddress, &d.Location,
		&d.IsOn, &d.Brightness,
		&d.Color.R, &d.Color.G, &d.Color.B,
		&d.Temperature, &d.IsOnline, &lastSeen,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	return &d, nil
}

// nullableTime maps the zero time to NULL.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// requireRowAffected converts a zero-row result into ErrDeviceNotFound.
func requireRowAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// isUniqueViolation detects SQLite unique-constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
