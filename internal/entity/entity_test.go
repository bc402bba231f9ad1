package entity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/pattern-persistence/pps/internal/jsonx"
)

func TestLoadCreatesLayoutAndToken(t *testing.T) {
	root := t.TempDir()
	e, err := Load("Lyra", root, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for _, dir := range []string{
		e.DataDir(), e.CrystalsCurrentDir(), e.CrystalsArchiveDir(),
		e.WordPhotosDir(), e.FrictionsDir(), e.TechDocsDir(),
	} {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			t.Errorf("missing directory %s", dir)
		}
	}

	st, err := os.Stat(filepath.Join(root, ".entity_token"))
	if err != nil {
		t.Fatalf("token file not created: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("token file mode %v, want 0600", st.Mode().Perm())
	}
	if e.GroupID() != "lyra" {
		t.Errorf("group id %q, want lowercase name", e.GroupID())
	}
}

func TestTokenVerification(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, ".entity_token"), []byte("secret-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	e, err := Load("lyra", root, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !e.VerifyToken("secret-token") {
		t.Error("exact token rejected")
	}
	if !e.VerifyToken("secret-token\n") {
		t.Error("trailing newline should be tolerated")
	}
	if e.VerifyToken("wrong") || e.VerifyToken("") {
		t.Error("wrong or empty token accepted")
	}
}

func TestTokenSurvivesReload(t *testing.T) {
	root := t.TempDir()
	logger := zaptest.NewLogger(t)
	first, err := Load("lyra", root, logger)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Load("lyra", root, logger)
	if err != nil {
		t.Fatal(err)
	}
	if first.Token() != second.Token() {
		t.Error("token regenerated on reload")
	}
}

func TestProjectLockLifecycle(t *testing.T) {
	e, err := Load("lyra", t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	if _, held, _ := e.LockStatus(); held {
		t.Fatal("fresh entity should be unlocked")
	}

	if _, err := e.AcquireLock("terminal", "refactoring recall"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	l, held, err := e.LockStatus()
	if err != nil || !held {
		t.Fatalf("lock should be held: %v", err)
	}
	if l.LockedBy != "terminal" || l.Context != "refactoring recall" {
		t.Errorf("lock contents: %+v", l)
	}

	// Another holder cannot steal a live lock but the owner can refresh.
	if _, err := e.AcquireLock("daemon", "tick"); err == nil {
		t.Error("second holder acquired a live lock")
	}
	if _, err := e.AcquireLock("terminal", "still here"); err != nil {
		t.Errorf("owner refresh failed: %v", err)
	}

	if err := e.ReleaseLock("daemon"); err == nil {
		t.Error("non-owner release should fail")
	}
	if err := e.ReleaseLock("terminal"); err != nil {
		t.Errorf("owner release: %v", err)
	}
	if _, held, _ := e.LockStatus(); held {
		t.Error("lock survived release")
	}
}

func TestExpiredLockIsNotHeld(t *testing.T) {
	e, err := Load("lyra", t.TempDir(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	stale := &Lock{LockedBy: "ghost", LockedAt: time.Now().Add(-5 * time.Hour), Context: "old work"}
	data, err := jsonx.Marshal(stale)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.Root, ".project_lock"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, held, _ := e.LockStatus(); held {
		t.Error("expired lock reported as held")
	}
	// Expiry is permission to act: a new holder may take over.
	if _, err := e.AcquireLock("daemon", "takeover"); err != nil {
		t.Errorf("takeover after expiry failed: %v", err)
	}
}
