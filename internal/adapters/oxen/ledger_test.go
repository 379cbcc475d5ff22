package oxen

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/studiolock/studiolock/internal/domain"
)

// scriptRunner answers CLI invocations from a handler and records every
// call for order assertions.
type scriptRunner struct {
	handle func(dir string, args []string) (string, error)
	calls  [][]string
}

func (r *scriptRunner) Run(_ context.Context, dir string, args ...string) (string, error) {
	r.calls = append(r.calls, args)
	return r.handle(dir, args)
}

func (r *scriptRunner) commands() []string {
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = strings.Join(c, " ")
	}
	return out
}

func newLedger(t *testing.T, handle func(dir string, args []string) (string, error)) (*Ledger, *scriptRunner, string) {
	t.Helper()
	runner := &scriptRunner{handle: handle}
	led := New(runner, nil)
	dir := t.TempDir()
	led.Register("alpha", dir)
	return led, runner, dir
}

// branchScript emulates the branch bookkeeping common to lock operations:
// checkout succeeds, "branch --show-current" reports main, log reports the
// given head.
func branchScript(head string) func(dir string, args []string) (string, error) {
	return func(_ string, args []string) (string, error) {
		switch args[0] {
		case "branch":
			return "main\n", nil
		case "checkout":
			return "", nil
		case "log":
			return "commit " + head + "\n\n    lock update\n", nil
		case "add", "commit", "push", "pull", "fetch":
			return "commit " + head + "\n", nil
		}
		return "", errors.New("unexpected command " + args[0])
	}
}

func TestReadLatestMissingLock(t *testing.T) {
	led, runner, _ := newLedger(t, branchScript("abc123"))

	data, version, err := led.ReadLatest(context.Background(), "locks/alpha")
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if data != nil {
		t.Fatalf("expected nil data for missing lock, got %q", data)
	}
	if version != "abc123" {
		t.Fatalf("expected locks branch head as version, got %q", version)
	}

	cmds := runner.commands()
	last := cmds[len(cmds)-1]
	if last != "checkout main" {
		t.Fatalf("expected final checkout back to main, got %q (all: %v)", last, cmds)
	}
}

func TestReadLatestReturnsLockRecord(t *testing.T) {
	led, _, dir := newLedger(t, branchScript("abc123"))

	path := filepath.Join(dir, "locks", "alpha.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"holder":"alice"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	data, _, err := led.ReadLatest(context.Background(), "locks/alpha")
	if err != nil {
		t.Fatalf("ReadLatest: %v", err)
	}
	if string(data) != `{"holder":"alice"}` {
		t.Fatalf("unexpected lock record %q", data)
	}
}

func TestProposeWriteStaleVersion(t *testing.T) {
	led, _, _ := newLedger(t, branchScript("head2"))

	_, err := led.ProposeWrite(context.Background(), "locks/alpha", "head1", []byte("{}"))
	if !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestProposeWriteCommitsLockFile(t *testing.T) {
	led, runner, dir := newLedger(t, func(_ string, args []string) (string, error) {
		switch args[0] {
		case "branch":
			return "main\n", nil
		case "checkout", "add":
			return "", nil
		case "log":
			return "commit head1\n", nil
		case "commit":
			return "commit head2\n", nil
		}
		return "", errors.New("unexpected command " + args[0])
	})

	version, err := led.ProposeWrite(context.Background(), "locks/alpha", "head1", []byte(`{"holder":"alice"}`))
	if err != nil {
		t.Fatalf("ProposeWrite: %v", err)
	}
	if version != "head2" {
		t.Fatalf("expected new commit id head2, got %q", version)
	}

	b, err := os.ReadFile(filepath.Join(dir, "locks", "alpha.json"))
	if err != nil {
		t.Fatalf("lock file not written: %v", err)
	}
	if string(b) != `{"holder":"alice"}` {
		t.Fatalf("unexpected lock file %q", b)
	}

	var sawAdd bool
	for _, c := range runner.commands() {
		if c == "add "+filepath.Join("locks", "alpha.json") {
			sawAdd = true
		}
	}
	if !sawAdd {
		t.Fatalf("lock file was not staged: %v", runner.commands())
	}
}

func TestProposeWriteNilRemovesLockFile(t *testing.T) {
	led, _, dir := newLedger(t, branchScript("head1"))

	path := filepath.Join(dir, "locks", "alpha.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := led.ProposeWrite(context.Background(), "locks/alpha", "head1", nil); err != nil {
		t.Fatalf("ProposeWrite: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected lock file removed, stat err = %v", err)
	}
}

func TestPushMapsRejectionToNonFastForward(t *testing.T) {
	led, _, _ := newLedger(t, func(_ string, args []string) (string, error) {
		if args[0] == "push" {
			return "", errors.New("oxen push: remote contains commits not present locally, fetch first")
		}
		return "", nil
	})

	err := led.Push(context.Background(), "locks/alpha")
	if !errors.Is(err, domain.ErrNonFastForward) {
		t.Fatalf("expected ErrNonFastForward, got %v", err)
	}
}

func TestPushPassesThroughNetworkErrors(t *testing.T) {
	led, _, _ := newLedger(t, func(_ string, args []string) (string, error) {
		if args[0] == "push" {
			return "", errors.New("oxen push: dial tcp: connection refused")
		}
		return "", nil
	})

	err := led.Push(context.Background(), "alpha")
	if err == nil || errors.Is(err, domain.ErrNonFastForward) {
		t.Fatalf("expected the raw network error, got %v", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("error text lost: %v", err)
	}
}

func TestCommitNothingToCommit(t *testing.T) {
	led, _, _ := newLedger(t, func(_ string, args []string) (string, error) {
		if args[0] == "commit" {
			return "", errors.New("oxen commit: no changes to commit")
		}
		return "", nil
	})

	_, err := led.Commit(context.Background(), "alpha", "checkpoint")
	if !errors.Is(err, domain.ErrNothingToCommit) {
		t.Fatalf("expected ErrNothingToCommit, got %v", err)
	}
}

func TestCommitParsesCommitID(t *testing.T) {
	led, _, _ := newLedger(t, func(_ string, args []string) (string, error) {
		if args[0] == "commit" {
			return "Committed!\ncommit 0d9f3a\n", nil
		}
		return "", nil
	})

	id, err := led.Commit(context.Background(), "alpha", "checkpoint")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if id != "0d9f3a" {
		t.Fatalf("expected commit id 0d9f3a, got %q", id)
	}
}

func TestPullToleratesMissingLocksBranch(t *testing.T) {
	led, _, _ := newLedger(t, func(_ string, args []string) (string, error) {
		switch args[0] {
		case "branch":
			return "main\n", nil
		case "checkout":
			return "", nil
		case "pull":
			return "", errors.New("oxen pull: remote branch studiolock-locks not found")
		}
		return "", nil
	})

	if err := led.Pull(context.Background(), "locks/alpha"); err != nil {
		t.Fatalf("expected missing locks branch to be tolerated, got %v", err)
	}
}

func TestPullResetsDivergedLocksBranch(t *testing.T) {
	led, runner, _ := newLedger(t, func(_ string, args []string) (string, error) {
		switch args[0] {
		case "branch":
			return "main\n", nil
		case "checkout":
			return "", nil
		case "pull":
			return "", errors.New("oxen pull: branches have diverged and cannot be merged")
		}
		return "", nil
	})

	if err := led.Pull(context.Background(), "locks/alpha"); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	var sawReset bool
	for _, c := range runner.commands() {
		if c == "checkout origin/"+LocksBranch+" --force" {
			sawReset = true
		}
	}
	if !sawReset {
		t.Fatalf("diverged locks branch was not reset to remote: %v", runner.commands())
	}
}

func TestAncestryFromLogs(t *testing.T) {
	// c1 <- c2 <- c3 on one line of history.
	logs := map[string]string{
		"c3": "commit c3\ncommit c2\ncommit c1\n",
		"c2": "commit c2\ncommit c1\n",
		"c1": "commit c1\n",
		"x1": "commit x1\ncommit c1\n",
	}
	led, _, _ := newLedger(t, func(_ string, args []string) (string, error) {
		if args[0] == "log" {
			return logs[args[1]], nil
		}
		return "", nil
	})

	cases := []struct {
		a, b string
		want domain.Ancestry
	}{
		{"c2", "c3", domain.AncestryAncestor},
		{"c3", "c2", domain.AncestryDescendant},
		{"c3", "c3", domain.AncestryEqual},
		{"x1", "c3", domain.AncestryDiverged},
		{"", "c3", domain.AncestryAncestor},
	}
	for _, tc := range cases {
		got, err := led.Ancestry(context.Background(), tc.a, tc.b)
		if err != nil {
			t.Fatalf("Ancestry(%q, %q): %v", tc.a, tc.b, err)
		}
		if got != tc.want {
			t.Fatalf("Ancestry(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
