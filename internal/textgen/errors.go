package textgen

import "errors"

// ErrNoBackend is returned by the offline client for operations that need a
// real generation backend.
var ErrNoBackend = errors.New("textgen: no backend configured")
