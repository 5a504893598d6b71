package httpapi

import "time"

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Config defines the operator HTTP surface settings.
type Config struct {
	Addr string
	// MaxRunLogs caps the run history returned per task.
	MaxRunLogs int
}
