package secrets

import (
	"context"
	"os"
	"testing"
)

func TestEnvOrSecretFallsBackToEnv(t *testing.T) {
	os.Setenv("EXEC_TEST_SECRET", "from-env")
	defer os.Unsetenv("EXEC_TEST_SECRET")

	s, err := NewSource("")
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	got := s.EnvOrSecret(context.Background(), "vault-key", "EXEC_TEST_SECRET", "default")
	if got != "from-env" {
		t.Fatalf("got %q, want from-env", got)
	}
}

func TestEnvOrSecretFallsBackToDefault(t *testing.T) {
	os.Unsetenv("EXEC_TEST_SECRET_MISSING")
	s, _ := NewSource("")
	got := s.EnvOrSecret(context.Background(), "vault-key", "EXEC_TEST_SECRET_MISSING", "default")
	if got != "default" {
		t.Fatalf("got %q, want default", got)
	}
}

func TestGetEnvIntAndBool(t *testing.T) {
	os.Setenv("EXEC_TEST_INT", "42")
	os.Setenv("EXEC_TEST_BOOL", "true")
	defer os.Unsetenv("EXEC_TEST_INT")
	defer os.Unsetenv("EXEC_TEST_BOOL")

	if GetEnvInt("EXEC_TEST_INT", 0) != 42 {
		t.Fatal("expected 42")
	}
	if !GetEnvBool("EXEC_TEST_BOOL", false) {
		t.Fatal("expected true")
	}
}

func TestSplitAndTrimCSV(t *testing.T) {
	got := SplitAndTrimCSV(" a, b ,,c")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
