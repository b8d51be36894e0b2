// Package main provides the FFI bridge the mobile shells load.
// Build as shared library: libexposurelog.so (Android) or
// exposurelog.framework (iOS). All exports use the C calling
// convention and JSON strings across the boundary; every returned
// string must be released with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"unsafe"

	"github.com/jcortes/exposurelog/backend/internal/app"
	"github.com/jcortes/exposurelog/backend/internal/config"
)

var (
	mu        sync.RWMutex
	core      *app.App
	stopCore  context.CancelFunc
	lastErr   string
	lastErrMu sync.RWMutex
)

//export Init
// Init builds and starts the core. Configuration comes from the
// process environment the shell sets before loading the library.
// Returns 0 on success, non-zero on error.
func Init() int32 {
	mu.Lock()
	defer mu.Unlock()

	if core != nil {
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		setLastError(fmt.Sprintf("invalid configuration: %v", err))
		return 1
	}

	built, err := app.New(cfg)
	if err != nil {
		setLastError(fmt.Sprintf("failed to build core: %v", err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := built.Start(ctx); err != nil {
		cancel()
		built.Close()
		setLastError(fmt.Sprintf("failed to start sync pipeline: %v", err))
		return 1
	}

	core = built
	stopCore = cancel
	return 0
}

//export Shutdown
// Shutdown stops the pipeline and closes the durable store. The
// library may be re-initialized afterwards.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()

	if core == nil {
		return
	}
	stopCore()
	core.Close()
	core = nil
	stopCore = nil
}

//export GetLastError
// GetLastError returns the last error message. Free with FreeString.
func GetLastError() *C.char {
	lastErrMu.RLock()
	defer lastErrMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
// FreeString releases a string previously returned by this library.
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func setLastError(msg string) {
	lastErrMu.Lock()
	defer lastErrMu.Unlock()
	lastErr = msg
}

// getCore returns the running core, recording an error when the shell
// calls in before Init.
func getCore() *app.App {
	mu.RLock()
	defer mu.RUnlock()

	if core == nil {
		setLastError("core not initialized")
	}
	return core
}

// jsonOut serializes a value for the boundary. Returns nil and records
// the error on failure.
func jsonOut(v interface{}) *C.char {
	data, err := json.Marshal(v)
	if err != nil {
		setLastError(fmt.Sprintf("failed to serialize: %v", err))
		return nil
	}
	return C.CString(string(data))
}

func main() {
	// Required for c-shared build mode, never executed as a library
}
