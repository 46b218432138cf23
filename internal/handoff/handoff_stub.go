//go:build !linux

package handoff

import (
	"context"
	"fmt"
	"runtime"

	"berth/internal/invoke"
)

// Privilege drops require setuid and exec semantics this platform does
// not offer. Detection and status still work; only the switch refuses.

func Prepare(accountName string) (*Prepared, error) {
	return nil, fmt.Errorf("privilege handoff unsupported on %s", runtime.GOOS)
}

func (p *Prepared) SyncInstall() (bool, error) {
	return false, fmt.Errorf("privilege handoff unsupported on %s", runtime.GOOS)
}

func (p *Prepared) StageCredential(ctx context.Context, token string) error {
	return fmt.Errorf("privilege handoff unsupported on %s", runtime.GOOS)
}

func (p *Prepared) Exec(inv invoke.Invocation, token string, flags Flags) error {
	return fmt.Errorf("privilege handoff unsupported on %s", runtime.GOOS)
}
