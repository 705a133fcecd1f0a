package system

import (
	"os"

	"github.com/cherve/cherve/pkg/engine"
)

// euid is swapped in tests.
var euid = os.Geteuid

// RequireRoot fails unless the process runs with effective uid 0.
func RequireRoot() error {
	if euid() != 0 {
		return engine.NewPreconditionError(engine.ErrCodeNotRoot, "must be run as root (sudo)")
	}
	return nil
}
