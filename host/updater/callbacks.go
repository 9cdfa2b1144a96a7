package updater

import "time"

// Phase names reported in Progress
const (
	PhaseSyncing      = "syncing"
	PhaseRequesting   = "requesting"
	PhaseIdentifying  = "identifying"
	PhaseSizing       = "sizing"
	PhaseErasing      = "erasing"
	PhaseTransferring = "transferring"
	PhaseVerifying    = "verifying"
	PhaseComplete     = "complete"
)

// Progress describes how far the update session has come.
type Progress struct {
	// Phase is one of the Phase* constants
	Phase string

	// BytesWritten is the number of image bytes sent so far
	BytesWritten int

	// TotalBytes is the image length
	TotalBytes int

	// Percentage is BytesWritten relative to TotalBytes (0.0 to 100.0)
	Percentage float64

	// ElapsedTime is the time since Run started
	ElapsedTime time.Duration
}

// ProgressCallback is called synchronously from Run and should return quickly.
type ProgressCallback func(Progress)
