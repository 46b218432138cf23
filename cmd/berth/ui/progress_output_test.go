package ui

import (
	"testing"
)

func TestFormatStepLine(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		step stepState
		msg  string
		want string
	}{
		{
			name: "running root",
			step: stepState{ID: "detect", Title: "inspecting host", Status: stepRunning},
			want: "  [->] inspecting host",
		},
		{
			name: "done child",
			step: stepState{ID: "preflight/docker", ParentID: "preflight", Title: "docker", Status: stepDone},
			want: "    [ok] docker",
		},
		{
			name: "failed with message",
			step: stepState{ID: "configure", Title: "writing configuration", Status: stepFailed},
			msg:  "permission denied",
			want: "  [x] writing configuration (permission denied)",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := formatStepLine(tc.step, tc.msg)
			if got != tc.want {
				t.Fatalf("formatStepLine() = %q, want %q", got, tc.want)
			}
		})
	}
}
