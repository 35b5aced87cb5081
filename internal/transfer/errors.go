package transfer

import "fmt"

// NetworkError represents failures talking to the episode host: connection
// errors, non-2xx responses and interrupted bodies.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "request", "read_body")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Message    string // Error message from the server or network layer
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FileError represents local filesystem failures while writing an episode.
type FileError struct {
	Path   string // The path that caused the error
	Reason string // Human-readable explanation of the failure
	Err    error  // Underlying error, if any
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file error for '%s': %s", e.Path, e.Reason)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
