//go:build windows

package sandbox

import "os"

// Windows has no SIGTERM; Kill escalates immediately.
var termSignal = os.Kill
