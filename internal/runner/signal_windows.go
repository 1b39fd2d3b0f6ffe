//go:build windows

package runner

import "os"

// Windows has no SIGTERM; Kill escalates immediately.
var termSignal = os.Kill
