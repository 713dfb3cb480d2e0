package supervisor

import (
	"context"
	"testing"
)

func TestRun_NoCommand(t *testing.T) {
	s := newTestSupervisor(Options{}, &fakeResolver{})
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("expected error for an empty command")
	}
}

func TestRun_PropagatesExitCode(t *testing.T) {
	tests := []struct {
		name    string
		command []string
		want    int
	}{
		{"clean exit", []string{"sh", "-c", "exit 0"}, 0},
		{"nonzero exit", []string{"sh", "-c", "exit 3"}, 3},
		{"sigterm is 143", []string{"sh", "-c", "kill -TERM $$"}, 143},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSupervisor(Options{Command: tt.command}, &fakeResolver{})
			code, err := s.Run(context.Background())
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
		})
	}
}

// TestRun_ResolvedEnvReachesChild starts a real child that proves the
// mapping value landed in its environment.
func TestRun_ResolvedEnvReachesChild(t *testing.T) {
	s := newTestSupervisor(Options{
		Command: []string{"sh", "-c", `[ "$GREETING" = "hello" ]`},
		Env:     map[string]string{"GREETING": "literal:hello"},
	}, &fakeResolver{})

	code, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if code != 0 {
		t.Errorf("child did not see GREETING, exit code %d", code)
	}
}
