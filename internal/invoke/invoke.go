// Package invoke captures the process invocation early in startup so it
// can survive a re-exec under another account. The serialized form is a
// shell-quoted string whose decode reproduces the original argv exactly.
package invoke

import (
	"fmt"
	"os"
	"strings"

	"github.com/canonical/x-go/strutil/shlex"
)

// Mask replaces secret values in redacted output. Its length never varies
// with the secret so the output leaks nothing about the original.
const Mask = "********"

// Invocation is a snapshot of how the process was started.
type Invocation struct {
	Path string
	Args []string
}

// Capture snapshots the current process invocation. Call it before any
// flag parsing mutates os.Args. The executable path is resolved through
// the kernel when possible so the snapshot stays valid after a chdir.
func Capture() Invocation {
	path := os.Args[0]
	if resolved, err := os.Executable(); err == nil && strings.TrimSpace(resolved) != "" {
		path = resolved
	}

	args := make([]string, len(os.Args[1:]))
	copy(args, os.Args[1:])
	return Invocation{Path: path, Args: args}
}

// Argv returns the full argument vector, executable first.
func (inv Invocation) Argv() []string {
	argv := make([]string, 0, len(inv.Args)+1)
	argv = append(argv, inv.Path)
	return append(argv, inv.Args...)
}

// Encode serializes the invocation into a single shell-quoted string.
// Decode inverts it for any argv, including arguments with spaces,
// quotes, and glob characters.
func (inv Invocation) Encode() string {
	return shlex.Join(inv.Argv())
}

// Decode parses an encoded invocation back into the exact argv it was
// built from.
func Decode(encoded string) (Invocation, error) {
	argv, err := shlex.Split(encoded)
	if err != nil {
		return Invocation{}, fmt.Errorf("decode invocation: %w", err)
	}
	if len(argv) == 0 {
		return Invocation{}, fmt.Errorf("decode invocation: empty command")
	}
	return Invocation{Path: argv[0], Args: argv[1:]}, nil
}

// Redacted returns the encoded invocation with every occurrence of each
// secret replaced by Mask. Safe for logs; the raw encoding is not.
func (inv Invocation) Redacted(secrets ...string) string {
	argv := inv.Argv()
	masked := make([]string, len(argv))
	for i, arg := range argv {
		for _, secret := range secrets {
			if secret == "" {
				continue
			}
			arg = strings.ReplaceAll(arg, secret, Mask)
		}
		masked[i] = arg
	}
	return shlex.Join(masked)
}
