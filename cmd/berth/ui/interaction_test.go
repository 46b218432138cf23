package ui

import (
	"context"
	"errors"
	"strings"
	"testing"

	"berth/internal/handoff"
)

func TestEnvTruthyValues(t *testing.T) {
	testCases := []struct {
		name  string
		value string
		want  bool
	}{
		{name: "one", value: "1", want: true},
		{name: "true", value: "true", want: true},
		{name: "yes", value: "yes", want: true},
		{name: "on", value: "on", want: true},
		{name: "zero", value: "0", want: false},
		{name: "false", value: "false", want: false},
		{name: "empty", value: "", want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("BERTH_TEST_TRUTHY", tc.value)
			if got := envTruthy("BERTH_TEST_TRUTHY"); got != tc.want {
				t.Fatalf("envTruthy() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestResumedProcessStaysNonInteractive(t *testing.T) {
	t.Setenv(handoff.EnvNonInteractive, "1")

	if detectInteractiveMode(false) {
		t.Fatal("detectInteractiveMode() = true with the resume overlay set")
	}
}

func TestConfirmNonInteractiveReturnsDefault(t *testing.T) {
	ConfigureInteraction(true)

	got, err := Confirm(context.Background(), "restore configuration?", true)
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if !got {
		t.Fatal("Confirm() = false, want the default answer")
	}
}

func TestPromptSecretNonInteractiveRefuses(t *testing.T) {
	ConfigureInteraction(true)

	_, err := PromptSecret(context.Background(), "registry token", "pass --token")

	var noInteraction *ErrNoInteraction
	if !errors.As(err, &noInteraction) {
		t.Fatalf("PromptSecret() error = %v, want *ErrNoInteraction", err)
	}
	if !strings.Contains(noInteraction.Hint, "--token") {
		t.Fatalf("hint = %q, want the bypass flag named", noInteraction.Hint)
	}
}
