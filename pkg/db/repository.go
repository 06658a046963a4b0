package db

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	_ "modernc.org/sqlite"
)

const deviceColumns = `id, run_id, device_id, name, board, method,
		       device_key, image_sha256, status, error_kind, error_message, created_at, updated_at`

// Repository provides database operations for device records
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	// Create schema
	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new device record
func (r *Repository) Create(dev *Device) error {
	slog.Info("database_create_device", "run_id", dev.RunID, "device_id", dev.DeviceID, "status", dev.Status)

	query := `
		INSERT INTO devices (run_id, device_id, name, board, method, device_key, image_sha256, status, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		dev.RunID, dev.DeviceID, dev.Name, dev.Board, dev.Method,
		dev.DeviceKey, dev.ImageSHA256, dev.Status, dev.ErrorKind, dev.ErrorMessage)
	if err != nil {
		slog.Error("database_insert_failed", "run_id", dev.RunID, "error", err)
		return errors.Wrap(err, "failed to insert device")
	}

	id, err := result.LastInsertId()
	if err != nil {
		slog.Error("database_last_insert_id_failed", "run_id", dev.RunID, "error", err)
		return errors.Wrap(err, "failed to get last insert id")
	}
	dev.ID = id

	slog.Info("database_device_created", "run_id", dev.RunID, "record_id", dev.ID, "status", dev.Status)
	return nil
}

// GetByRunID retrieves the record owned by a state machine run. It returns
// nil, nil when there is none.
func (r *Repository) GetByRunID(runID string) (*Device, error) {
	return r.getBy("run_id", runID)
}

// GetByDeviceID retrieves the latest record for a registered device ID. It
// returns nil, nil when there is none.
func (r *Repository) GetByDeviceID(deviceID string) (*Device, error) {
	return r.getBy("device_id", deviceID)
}

func (r *Repository) getBy(column, value string) (*Device, error) {
	slog.Info("database_query_device", column, value)

	query := fmt.Sprintf(`SELECT %s FROM devices WHERE %s = ? ORDER BY id DESC LIMIT 1`, deviceColumns, column)
	dev, err := scanDevice(r.db.QueryRow(query, value))
	if err == sql.ErrNoRows {
		slog.Info("database_device_not_found", column, value)
		return nil, nil // Not found
	}
	if err != nil {
		slog.Error("database_query_failed", column, value, "error", err)
		return nil, errors.Wrap(err, "failed to query device")
	}

	slog.Info("database_device_found", column, value, "record_id", dev.ID, "status", dev.Status)
	return dev, nil
}

// Update updates an existing device record
func (r *Repository) Update(dev *Device) error {
	slog.Info("database_update_device", "record_id", dev.ID, "device_id", dev.DeviceID, "status", dev.Status)

	query := `
		UPDATE devices
		SET device_id = ?, name = ?, board = ?, method = ?, device_key = ?, image_sha256 = ?,
		    status = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		dev.DeviceID, dev.Name, dev.Board, dev.Method, dev.DeviceKey, dev.ImageSHA256,
		dev.Status, dev.ErrorKind, dev.ErrorMessage, dev.ID)
	if err != nil {
		slog.Error("database_update_failed", "record_id", dev.ID, "error", err)
		return errors.Wrap(err, "failed to update device")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "record_id", dev.ID, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_device_not_found_for_update", "record_id", dev.ID)
		return fmt.Errorf("%w: device record id=%d", errors.ErrNotFound, dev.ID)
	}

	slog.Info("database_device_updated", "record_id", dev.ID, "status", dev.Status)
	return nil
}

// UpdateStatus updates only the status and error fields
func (r *Repository) UpdateStatus(id int64, status, errorKind, errorMessage string) error {
	slog.Info("database_update_status", "record_id", id, "status", status)

	query := `UPDATE devices SET status = ?, error_kind = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	_, err := r.db.Exec(query, status, errorKind, errorMessage, id)
	if err != nil {
		slog.Error("database_status_update_failed", "record_id", id, "status", status, "error", err)
		return errors.Wrap(err, "failed to update status")
	}

	slog.Info("database_status_updated", "record_id", id, "status", status)
	return nil
}

// List retrieves all device records, newest first
func (r *Repository) List() ([]*Device, error) {
	slog.Info("database_list_devices")

	query := fmt.Sprintf(`SELECT %s FROM devices ORDER BY created_at DESC, id DESC`, deviceColumns)
	rows, err := r.db.Query(query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list devices")
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		devices = append(devices, dev)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "device_count", len(devices))
	return devices, nil
}

// Delete deletes a device record by ID
func (r *Repository) Delete(id int64) error {
	slog.Info("database_delete_device", "record_id", id)

	query := `DELETE FROM devices WHERE id = ?`
	_, err := r.db.Exec(query, id)
	if err != nil {
		slog.Error("database_delete_failed", "record_id", id, "error", err)
		return errors.Wrap(err, "failed to delete device")
	}

	slog.Info("database_device_deleted", "record_id", id)
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*Device, error) {
	var dev Device
	var deviceKey, imageSHA256, errorKind, errorMessage sql.NullString

	err := row.Scan(
		&dev.ID, &dev.RunID, &dev.DeviceID, &dev.Name, &dev.Board, &dev.Method,
		&deviceKey, &imageSHA256, &dev.Status, &errorKind, &errorMessage,
		&dev.CreatedAt, &dev.UpdatedAt)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	dev.DeviceKey = deviceKey.String
	dev.ImageSHA256 = imageSHA256.String
	dev.ErrorKind = errorKind.String
	dev.ErrorMessage = errorMessage.String
	return &dev, nil
}
