// Package main provides the FFI exports for mobile platforms (Android/iOS).
// Build as a shared library: go build -buildmode=c-shared -o liboffsync.so ./cmd/mobile
//
// Strings returned by these functions are JSON and must be released with
// FreeString. A NULL result or a status of -1 means the call failed; read the
// reason with GetLastError.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"sync"
	"unsafe"

	"github.com/kimhsiao/offlinesync/internal/bridge"
)

var (
	core    = bridge.New()
	lastErr string
	lastMu  sync.RWMutex
)

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	if err == nil {
		lastErr = ""
		return
	}
	lastErr = bridge.ErrorJSON(err)
}

func result(out string, err error) *C.char {
	setLastError(err)
	if err != nil {
		return nil
	}
	return C.CString(out)
}

func status(err error) int32 {
	setLastError(err)
	if err != nil {
		return -1
	}
	return 0
}

// GetLastError returns the last error as {"error":{"code","message"}}, or an
// empty string when the last call succeeded.
//
//export GetLastError
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

// Init opens the offline session. options is the bridge.InitOptions JSON.
//
//export Init
func Init(options *C.char) int32 {
	return status(core.Init(context.Background(), C.GoString(options)))
}

// Cleanup closes the session and keeps queued work for the next Init.
//
//export Cleanup
func Cleanup() int32 {
	return status(core.Close(context.Background()))
}

// Logout closes the session and discards queued work and conflicts.
//
//export Logout
func Logout() int32 {
	return status(core.Logout(context.Background()))
}

//export Enqueue
func Enqueue(mutation *C.char) *C.char {
	return result(core.Enqueue(context.Background(), C.GoString(mutation)))
}

// SyncNow blocks until the pass finishes.
//
//export SyncNow
func SyncNow() *C.char {
	return result(core.Sync(context.Background()))
}

//export Status
func Status() *C.char {
	return result(core.Status())
}

//export MutationList
func MutationList() *C.char {
	return result(core.Mutations(context.Background()))
}

//export MutationRetry
func MutationRetry(id *C.char) *C.char {
	return result(core.Retry(context.Background(), C.GoString(id)))
}

//export MutationDiscard
func MutationDiscard(id *C.char) int32 {
	return status(core.Discard(context.Background(), C.GoString(id)))
}

//export ConflictList
func ConflictList() *C.char {
	return result(core.Conflicts())
}

// ConflictResolve applies "keep_local" or "use_server".
//
//export ConflictResolve
func ConflictResolve(id, resolution *C.char) *C.char {
	return result(core.Resolve(context.Background(), C.GoString(id), C.GoString(resolution)))
}

//export ConflictViewBoth
func ConflictViewBoth(id *C.char, viewing int32) *C.char {
	return result(core.ViewBoth(C.GoString(id), viewing != 0))
}

// ReportConnectivity forwards the platform's raw network state.
//
//export ReportConnectivity
func ReportConnectivity(online int32) int32 {
	return status(core.ReportConnectivity(online != 0))
}

// PollEvents drains up to max queued events (0 for all) as a JSON array.
//
//export PollEvents
func PollEvents(max int32) *C.char {
	return result(core.PollEvents(int(max)))
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func main() {
	// Main function is required for c-shared build mode
	// but is not actually executed when used as shared library
}
