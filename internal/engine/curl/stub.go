//go:build !impersonate

package curl

import (
	"github.com/zep-us/impxy/internal/engine"
)

// Open reports the engine unavailable; this binary was built without the
// impersonate tag.
func Open(libraryPath string) (engine.Engine, engine.Probe) {
	probe := engine.Probe{
		Available: false,
		Reason:    "built without curl-impersonate support (rebuild with -tags impersonate)",
	}
	if libraryPath != "" {
		probe.LibraryPaths = []string{libraryPath}
	}
	return nil, probe
}
