package media

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// LocalKeyPrefix marks a media key as a temporary, not-yet-durable
// reference. Keys without the prefix are server-issued.
const LocalKeyPrefix = "temp_"

// NewLocalKey generates a fresh temporary media key.
func NewLocalKey() string {
	return LocalKeyPrefix + uuid.NewString()
}

// IsLocalKey reports whether key is a temporary local reference.
func IsLocalKey(key string) bool {
	return strings.HasPrefix(key, LocalKeyPrefix)
}

// PreviewHandle owns a locally allocated preview resource, such as an
// in-memory preview buffer. The release function runs exactly once,
// on the first Release call; later calls are no-ops. The resolver
// holds exclusive ownership of the handle until the reference is
// resolved or abandoned.
type PreviewHandle struct {
	mu       sync.Mutex
	release  func()
	released bool
}

// NewPreviewHandle wraps a release function into an owned handle.
// A nil release function yields a handle that tracks release state
// without side effects.
func NewPreviewHandle(release func()) *PreviewHandle {
	return &PreviewHandle{release: release}
}

// Release frees the underlying resource. The first call runs the
// release function and returns true; every later call is a no-op
// returning false.
func (h *PreviewHandle) Release() bool {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return false
	}
	h.released = true
	release := h.release
	h.release = nil
	h.mu.Unlock()

	if release != nil {
		release()
	}
	return true
}

// Released reports whether the resource has been freed.
func (h *PreviewHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
