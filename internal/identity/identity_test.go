package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStaticNotifiesOnlyOnChange(t *testing.T) {
	p := NewStatic("acct-a", nil)
	var seen []string
	unsubscribe := p.OnAccountChanged(func(id string) { seen = append(seen, id) })

	p.Set("acct-a")
	p.Set("acct-b")
	p.Set("")
	unsubscribe()
	unsubscribe()
	p.Set("acct-c")

	if len(seen) != 2 || seen[0] != "acct-b" || seen[1] != "" {
		t.Fatalf("unexpected notifications %q", seen)
	}
	if p.CurrentAccountID() != "acct-c" {
		t.Fatalf("expected current account acct-c, got %q", p.CurrentAccountID())
	}
}

func TestStaticIsolatesPanickingHandler(t *testing.T) {
	p := NewStatic("", nil)
	called := false
	p.OnAccountChanged(func(string) { panic("boom") })
	p.OnAccountChanged(func(string) { called = true })

	p.Set("acct")
	if !called {
		t.Fatalf("expected healthy handler to run despite a panicking one")
	}
}

func TestFileReadsInitialAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account")
	if err := os.WriteFile(path, []byte("  acct-1  \nignored\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("new file provider: %v", err)
	}
	defer p.Close()
	if got := p.CurrentAccountID(); got != "acct-1" {
		t.Fatalf("expected acct-1, got %q", got)
	}
}

func TestFileWatchesSignInAndSignOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "account")
	p, err := NewFile(path, nil)
	if err != nil {
		t.Fatalf("new file provider: %v", err)
	}
	defer p.Close()
	if got := p.CurrentAccountID(); got != "" {
		t.Fatalf("expected signed out with no file, got %q", got)
	}

	changes := make(chan string, 4)
	p.OnAccountChanged(func(id string) { changes <- id })

	if err := p.SignIn("acct-2"); err != nil {
		t.Fatalf("sign in: %v", err)
	}
	expectChange(t, changes, "acct-2")

	if err := p.SignOut(); err != nil {
		t.Fatalf("sign out: %v", err)
	}
	expectChange(t, changes, "")
	if err := p.SignOut(); err != nil {
		t.Fatalf("second sign out: %v", err)
	}
}

func expectChange(t *testing.T, changes <-chan string, want string) {
	t.Helper()
	select {
	case got := <-changes:
		if got != want {
			t.Fatalf("expected account %q, got %q", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for account %q", want)
	}
}
