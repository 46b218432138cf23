//go:build !linux

package account

import (
	"context"
	"fmt"
	"runtime"
)

func Ensure(_ context.Context, _, _, _, _ string) error {
	return fmt.Errorf("service account provisioning unsupported on %s", runtime.GOOS)
}
