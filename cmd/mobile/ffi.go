//go:build cgo

// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libscanvault.so (Android) / scanvault.framework (iOS).
// Every function returning *C.char hands ownership to the caller, who must
// release it with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"

	"github.com/kimhsiao/scanvault/backend/internal/services"
)

var core bridge

// Init opens the data directory and starts background sync. configPath may
// be empty to use defaults.
//
//export Init
func Init(dataDir, configPath *C.char) *C.char {
	err := core.open(C.GoString(dataDir), C.GoString(configPath), services.Options{})
	return C.CString(encode(map[string]bool{"initialized": err == nil}, err))
}

//export Cleanup
func Cleanup() {
	core.close()
}

//export Validate
func Validate(scanCode *C.char) *C.char {
	return C.CString(core.validate(C.GoString(scanCode)))
}

//export SyncAll
func SyncAll() *C.char {
	return C.CString(core.syncAll())
}

//export SyncOne
func SyncOne(templateID *C.char) *C.char {
	return C.CString(core.syncOne(C.GoString(templateID)))
}

//export CacheStats
func CacheStats() *C.char {
	return C.CString(core.cacheStats())
}

//export SyncStats
func SyncStats() *C.char {
	return C.CString(core.syncStats())
}

//export Templates
func Templates() *C.char {
	return C.CString(core.templates())
}

//export ClearValidations
func ClearValidations() *C.char {
	return C.CString(core.clearValidations())
}

// SetOnline reports host connectivity; non-zero means online.
//
//export SetOnline
func SetOnline(online C.int) *C.char {
	return C.CString(core.setOnline(online != 0))
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
