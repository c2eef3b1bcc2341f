// Package logging provides a minimal, env-gated debug logger.
//
// It intentionally mirrors the teacher's internal/debug package rather than
// reaching for a structured logging framework: at this layer the codebase
// wants terse, occasionally-consulted diagnostic output, not a dependency.
package logging

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var (
	enabled = os.Getenv("FLOWMACHINE_DEBUG") != ""
	mu      sync.Mutex
)

// Enabled reports whether debug logging is currently active.
func Enabled() bool {
	return enabled
}

// SetEnabled overrides the debug flag, mainly for tests.
func SetEnabled(v bool) {
	mu.Lock()
	defer mu.Unlock()
	enabled = v
}

// Debugf writes a debug line to stderr when debug logging is enabled.
func Debugf(format string, args ...interface{}) {
	if !enabled {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "[flowmachine] %s "+format+"\n", append([]interface{}{time.Now().Format(time.RFC3339)}, args...)...)
}

// Errorf always writes an error line to stderr, regardless of the debug flag.
func Errorf(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "[flowmachine] ERROR %s "+format+"\n", append([]interface{}{time.Now().Format(time.RFC3339)}, args...)...)
}

// Infof writes an informational line to stderr unconditionally.
func Infof(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(os.Stderr, "[flowmachine] %s "+format+"\n", append([]interface{}{time.Now().Format(time.RFC3339)}, args...)...)
}
