// Domain exports of the mobile FFI surface. Capture operations return
// the queued entry as JSON; sync runs in the background and is only
// observed or poked from here.
package main

import "C"
import (
	"encoding/json"
	"fmt"
	"unsafe"

	"github.com/jcortes/exposurelog/backend/internal/models"
	"github.com/jcortes/exposurelog/backend/internal/uuid"
)

//export ExposureEnqueue
// ExposureEnqueue queues a new exposure report from its payload JSON.
// The report is durable once this returns. Free the result with
// FreeString; nil means failure, see GetLastError.
func ExposureEnqueue(payloadJSON *C.char) *C.char {
	a := getCore()
	if a == nil {
		return nil
	}

	var payload models.ExposurePayload
	if err := json.Unmarshal([]byte(C.GoString(payloadJSON)), &payload); err != nil {
		setLastError(fmt.Sprintf("invalid payload JSON: %v", err))
		return nil
	}

	entry, err := a.EnqueueExposure(&payload)
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return jsonOut(entry)
}

//export ExposureRemove
// ExposureRemove discards a still-queued draft with its photos.
// Returns 0 on success.
func ExposureRemove(clientID *C.char) int32 {
	a := getCore()
	if a == nil {
		return 1
	}

	id := C.GoString(clientID)
	if err := uuid.Validate(id); err != nil {
		setLastError(err.Error())
		return 1
	}
	if err := a.RemoveExposure(models.UUID(id)); err != nil {
		setLastError(err.Error())
		return 1
	}
	return 0
}

//export ExposureList
// ExposureList returns the outbound queue in sync order.
func ExposureList() *C.char {
	a := getCore()
	if a == nil {
		return nil
	}

	entries, err := a.Store.PendingExposures()
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return jsonOut(map[string]interface{}{
		"entries": entries,
		"total":   len(entries),
	})
}

//export PhotoEnqueue
// PhotoEnqueue stages raw photo bytes for an exposure and queues the
// upload. data/size is the image buffer; exifJSON may be empty.
func PhotoEnqueue(clientID, fileName *C.char, data unsafe.Pointer, size C.int, exifJSON *C.char) *C.char {
	a := getCore()
	if a == nil {
		return nil
	}

	id := C.GoString(clientID)
	if err := uuid.Validate(id); err != nil {
		setLastError(err.Error())
		return nil
	}
	if data == nil || size <= 0 {
		setLastError("photo bytes are required")
		return nil
	}

	var exif json.RawMessage
	if raw := C.GoString(exifJSON); raw != "" {
		if !json.Valid([]byte(raw)) {
			setLastError("exif is not valid JSON")
			return nil
		}
		exif = json.RawMessage(raw)
	}

	photo, err := a.EnqueuePhoto(models.UUID(id), C.GoString(fileName),
		C.GoBytes(data, size), exif)
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return jsonOut(photo)
}

//export PhotoRemove
// PhotoRemove discards a queued photo that has not uploaded yet.
// Returns 0 on success.
func PhotoRemove(id *C.char) int32 {
	a := getCore()
	if a == nil {
		return 1
	}

	photoID := C.GoString(id)
	if err := uuid.Validate(photoID); err != nil {
		setLastError(err.Error())
		return 1
	}
	if err := a.RemovePhoto(models.UUID(photoID)); err != nil {
		setLastError(err.Error())
		return 1
	}
	return 0
}

//export PhotoList
// PhotoList returns the queued photos of one exposure.
func PhotoList(clientID *C.char) *C.char {
	a := getCore()
	if a == nil {
		return nil
	}

	id := C.GoString(clientID)
	if err := uuid.Validate(id); err != nil {
		setLastError(err.Error())
		return nil
	}

	photos, err := a.Store.PhotosByExposure(models.UUID(id))
	if err != nil {
		setLastError(err.Error())
		return nil
	}
	return jsonOut(map[string]interface{}{
		"photos": photos,
		"total":  len(photos),
	})
}

//export SyncStatus
// SyncStatus returns the current sync state snapshot as JSON.
func SyncStatus() *C.char {
	a := getCore()
	if a == nil {
		return nil
	}
	return jsonOut(a.Orchestrator.State())
}

//export SyncNow
// SyncNow pokes the pipeline, e.g. when the app returns to the
// foreground.
func SyncNow() {
	if a := getCore(); a != nil {
		a.Orchestrator.Poke()
	}
}

//export SyncRetry
// SyncRetry resets failed entries to pending and wakes the pipeline.
// Returns the number of entries reset, or -1 on error.
func SyncRetry() int32 {
	a := getCore()
	if a == nil {
		return -1
	}

	reset, err := a.Orchestrator.RetryNow()
	if err != nil {
		setLastError(err.Error())
		return -1
	}
	return int32(reset)
}

//export ConnectivitySet
// ConnectivitySet feeds the platform reachability signal into the
// monitor. Non-zero means reachable.
func ConnectivitySet(reachable C.int) {
	if a := getCore(); a != nil {
		a.Monitor.SetReachable(reachable != 0)
	}
}

//export AuthSetToken
// AuthSetToken stores a fresh session token and unparks any sync
// attempt waiting on auth. Returns 0 on success.
func AuthSetToken(token *C.char) int32 {
	a := getCore()
	if a == nil {
		return 1
	}
	if err := a.Session.SetToken(C.GoString(token)); err != nil {
		setLastError(err.Error())
		return 1
	}
	return 0
}

//export AuthClear
// AuthClear drops the stored session token. Returns 0 on success.
func AuthClear() int32 {
	a := getCore()
	if a == nil {
		return 1
	}
	if err := a.Session.Clear(); err != nil {
		setLastError(err.Error())
		return 1
	}
	return 0
}
