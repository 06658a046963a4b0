package fsm

// ProvisionRequest is the FSM input
type ProvisionRequest struct {
	// RunID identifies the run and its device record.
	RunID string
	Name  string
	Board string
	// Method is db.MethodFlash or db.MethodSerial.
	Method string

	// Serial transfer only. DeviceType defaults to the board's probe part.
	Port       string
	DeviceType string
}

// ProvisionResponse is the FSM output (accumulated across transitions)
type ProvisionResponse struct {
	// From Register
	RecordID int64
	DeviceID string

	// From Fetch
	ImagePath   string
	ImageSHA256 string

	// From Patch
	PatchedPath string
	UTCMillis   uint64

	// From Complete/Failed
	Status       string
	ErrorKind    string
	ErrorMessage string
}

// State names
const (
	StateRegister = "register"
	StateFetch    = "fetch"
	StatePatch    = "patch"
	StateTransfer = "transfer"
	StateComplete = "complete"
	StateFailed   = "failed"
)
