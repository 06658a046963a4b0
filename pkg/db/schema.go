package db

// Schema defines the SQLite database schema for provisioned devices.
// One row per provisioning run; run_id is the state machine run that owns it.
const Schema = `
CREATE TABLE IF NOT EXISTS devices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    device_id TEXT NOT NULL,
    name TEXT NOT NULL,
    board TEXT NOT NULL,
    method TEXT NOT NULL CHECK(method IN ('flash', 'serial')),
    device_key TEXT,
    image_sha256 TEXT,
    status TEXT NOT NULL CHECK(status IN ('registered', 'fetched', 'patched', 'provisioned', 'failed', 'cleaned')),
    error_kind TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_devices_device_id ON devices(device_id);
CREATE INDEX IF NOT EXISTS idx_devices_status ON devices(status);
CREATE INDEX IF NOT EXISTS idx_devices_created_at ON devices(created_at);
`

// Status constants
const (
	StatusRegistered  = "registered"
	StatusFetched     = "fetched"
	StatusPatched     = "patched"
	StatusProvisioned = "provisioned"
	StatusFailed      = "failed"
	StatusCleaned     = "cleaned"
)

// Transfer methods
const (
	MethodFlash  = "flash"
	MethodSerial = "serial"
)

// Device represents a provisioning record. DeviceKey holds the base64
// master key.
type Device struct {
	ID           int64
	RunID        string
	DeviceID     string
	Name         string
	Board        string
	Method       string
	DeviceKey    string
	ImageSHA256  string
	Status       string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
