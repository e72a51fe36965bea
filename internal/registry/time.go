package registry

import (
	"time"

	"github.com/bdpdx/rezilient-auth-control-plane/internal/clock"
)

func isoNow(clk clock.Clock) string {
	return clk.Now().UTC().Format(time.RFC3339Nano)
}
