package preflight

import (
	"context"
	"time"

	"github.com/beevik/ntp"
)

const (
	ntpPool    = "pool.ntp.org"
	ntpTimeout = 5 * time.Second

	// MaxClockOffset is the largest host-vs-NTP offset that passes
	// without a warning. TLS and token expiry get flaky beyond it.
	MaxClockOffset = 500 * time.Millisecond
)

// queryClockOffset asks the public pool once for the host clock offset.
// The query carries its own timeout; the context is accepted only to
// match the probe signature.
func queryClockOffset(_ context.Context) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(ntpPool, ntp.QueryOptions{Timeout: ntpTimeout})
	if err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}
