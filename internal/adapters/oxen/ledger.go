// Package oxen implements the replicated ledger over the oxen CLI, the
// version-control system used for large binary project files. Each
// project directory is an oxen repository; draft commits live on the
// working branch, and lock records live as JSON files on a dedicated
// locks branch whose fast-forward-only push arbitrates lock races.
package oxen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/studiolock/studiolock/internal/domain"
	"github.com/studiolock/studiolock/internal/ports"
)

const (
	// DefaultBinary is the CLI executable name.
	DefaultBinary = "oxen"

	// DefaultBranch is the shared working branch.
	DefaultBranch = "main"

	// LocksBranch holds lock records, isolated from project history.
	LocksBranch = "studiolock-locks"

	locksDir = "locks"
)

// Ledger implements ports.ReplicatedLog by shelling out to the oxen CLI.
// All methods are safe for concurrent use; operations on one repository
// are serialized because the CLI flips branches while manipulating lock
// records.
type Ledger struct {
	runner Runner
	branch string
	logger ports.Logger

	mu    sync.Mutex
	repos map[string]string // projectID -> repo dir
	locks map[string]*sync.Mutex
}

// New creates a ledger using the given runner (nil selects the real CLI).
func New(runner Runner, logger ports.Logger) *Ledger {
	if runner == nil {
		runner = NewCLIRunner(DefaultBinary)
	}
	return &Ledger{
		runner: runner,
		branch: DefaultBranch,
		logger: logger,
		repos:  make(map[string]string),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Register maps a project id to its repository directory. Every other
// method requires the project to be registered first.
func (l *Ledger) Register(projectID, dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.repos[projectID] = dir
	if _, ok := l.locks[projectID]; !ok {
		l.locks[projectID] = &sync.Mutex{}
	}
}

func (l *Ledger) repo(projectID string) (string, *sync.Mutex, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dir, ok := l.repos[projectID]
	if !ok {
		return "", nil, fmt.Errorf("project %s is not registered", projectID)
	}
	return dir, l.locks[projectID], nil
}

// lockProject splits a lock namespace back into its project id, or
// returns false for a plain project ref.
func lockProject(ref string) (string, bool) {
	return strings.CutPrefix(ref, "locks/")
}

func lockFile(projectID string) string {
	return filepath.Join(locksDir, projectID+".json")
}

// ReadLatest returns the lock record bytes and the locks-branch head as
// the CAS version. A missing record returns nil data.
func (l *Ledger) ReadLatest(ctx context.Context, namespace string) ([]byte, string, error) {
	projectID, ok := lockProject(namespace)
	if !ok {
		return nil, "", fmt.Errorf("namespace %q is not a lock namespace", namespace)
	}
	dir, mu, err := l.repo(projectID)
	if err != nil {
		return nil, "", err
	}
	mu.Lock()
	defer mu.Unlock()

	var data []byte
	var version string
	err = l.onLocksBranch(ctx, dir, func() error {
		version, err = l.head(ctx, dir)
		if err != nil {
			return err
		}
		b, rerr := os.ReadFile(filepath.Join(dir, lockFile(projectID)))
		if rerr != nil {
			if os.IsNotExist(rerr) {
				return nil
			}
			return rerr
		}
		data = b
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return data, version, nil
}

// ProposeWrite commits data to the locks branch against the expected
// head. The write becomes visible to other sessions only after Push.
func (l *Ledger) ProposeWrite(ctx context.Context, namespace, expectedVersion string, data []byte) (string, error) {
	projectID, ok := lockProject(namespace)
	if !ok {
		return "", fmt.Errorf("namespace %q is not a lock namespace", namespace)
	}
	dir, mu, err := l.repo(projectID)
	if err != nil {
		return "", err
	}
	mu.Lock()
	defer mu.Unlock()

	var newVersion string
	err = l.onLocksBranch(ctx, dir, func() error {
		head, herr := l.head(ctx, dir)
		if herr != nil {
			return herr
		}
		if head != expectedVersion {
			return domain.ErrVersionConflict
		}

		path := filepath.Join(dir, lockFile(projectID))
		if data == nil {
			if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
				return rerr
			}
		} else {
			if mkerr := os.MkdirAll(filepath.Dir(path), 0o755); mkerr != nil {
				return mkerr
			}
			if werr := os.WriteFile(path, data, 0o644); werr != nil {
				return werr
			}
		}
		if _, aerr := l.runner.Run(ctx, dir, "add", lockFile(projectID)); aerr != nil {
			return aerr
		}
		msg := "lock update for " + projectID
		if data == nil {
			msg = "lock release for " + projectID
		}
		out, cerr := l.runner.Run(ctx, dir, "commit", "-m", msg)
		if cerr != nil {
			return cerr
		}
		newVersion = parseCommitID(out)
		return nil
	})
	if err != nil {
		return "", err
	}
	return newVersion, nil
}

// Commit records a draft commit of the project's working tree.
func (l *Ledger) Commit(ctx context.Context, projectID, message string) (string, error) {
	dir, mu, err := l.repo(projectID)
	if err != nil {
		return "", err
	}
	mu.Lock()
	defer mu.Unlock()

	if _, err := l.runner.Run(ctx, dir, "add", "."); err != nil {
		return "", err
	}
	out, err := l.runner.Run(ctx, dir, "commit", "-m", message)
	if err != nil {
		if isNothingToCommit(err.Error()) {
			return "", domain.ErrNothingToCommit
		}
		return "", err
	}
	if isNothingToCommit(out) {
		return "", domain.ErrNothingToCommit
	}
	return parseCommitID(out), nil
}

// Push publishes a ref. Lock namespaces push the locks branch; anything
// else pushes the project's working branch. A remote rejection for
// missing history maps to ErrNonFastForward.
func (l *Ledger) Push(ctx context.Context, ref string) error {
	if projectID, ok := lockProject(ref); ok {
		dir, mu, err := l.repo(projectID)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		_, err = l.runner.Run(ctx, dir, "push", "origin", LocksBranch)
		return mapPushError(err)
	}

	dir, mu, err := l.repo(ref)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	_, err = l.runner.Run(ctx, dir, "push", "origin", l.branch)
	return mapPushError(err)
}

// Pull synchronizes a ref from the remote. For lock namespaces a
// divergent locks branch is reset to the remote state: remote lock
// history always wins, local staged records are abandoned.
func (l *Ledger) Pull(ctx context.Context, ref string) error {
	if projectID, ok := lockProject(ref); ok {
		dir, mu, err := l.repo(projectID)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return l.onLocksBranch(ctx, dir, func() error {
			_, perr := l.runner.Run(ctx, dir, "pull", "origin", LocksBranch)
			if perr == nil {
				return nil
			}
			if isMissingRemoteBranch(perr.Error()) {
				return nil
			}
			if isDivergence(perr.Error()) {
				_, rerr := l.runner.Run(ctx, dir, "checkout", "origin/"+LocksBranch, "--force")
				return rerr
			}
			return perr
		})
	}

	dir, mu, err := l.repo(ref)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	_, err = l.runner.Run(ctx, dir, "pull", "origin", l.branch)
	if err != nil && isDivergence(err.Error()) {
		return domain.ErrDiverged
	}
	return err
}

// LocalHead returns the project's working-branch head commit.
func (l *Ledger) LocalHead(ctx context.Context, projectID string) (string, error) {
	dir, mu, err := l.repo(projectID)
	if err != nil {
		return "", err
	}
	mu.Lock()
	defer mu.Unlock()
	return l.head(ctx, dir)
}

// RemoteHead fetches and returns the remote working-branch head commit.
func (l *Ledger) RemoteHead(ctx context.Context, projectID string) (string, error) {
	dir, mu, err := l.repo(projectID)
	if err != nil {
		return "", err
	}
	mu.Lock()
	defer mu.Unlock()
	if _, err := l.runner.Run(ctx, dir, "fetch", "origin", l.branch); err != nil {
		return "", err
	}
	out, err := l.runner.Run(ctx, dir, "log", "-n", "1", "origin/"+l.branch)
	if err != nil {
		if isMissingRemoteBranch(err.Error()) {
			return "", nil
		}
		return "", err
	}
	return parseCommitID(out), nil
}

// Ancestry reports the relation of refA to refB by listing commit ids
// reachable from each side. The empty ref is an ancestor of everything.
func (l *Ledger) Ancestry(ctx context.Context, refA, refB string) (domain.Ancestry, error) {
	switch {
	case refA == refB:
		return domain.AncestryEqual, nil
	case refA == "":
		return domain.AncestryAncestor, nil
	case refB == "":
		return domain.AncestryDescendant, nil
	}

	// Refs are opaque, so find a repository that knows refB.
	dir, reachableFromB, err := l.resolveHistory(ctx, refB)
	if err != nil {
		return "", err
	}
	if reachableFromB[refA] {
		return domain.AncestryAncestor, nil
	}
	reachableFromA, err := l.history(ctx, dir, refA)
	if err != nil {
		return "", err
	}
	if reachableFromA[refB] {
		return domain.AncestryDescendant, nil
	}
	return domain.AncestryDiverged, nil
}

func (l *Ledger) resolveHistory(ctx context.Context, ref string) (string, map[string]bool, error) {
	l.mu.Lock()
	dirs := make([]string, 0, len(l.repos))
	for _, dir := range l.repos {
		dirs = append(dirs, dir)
	}
	l.mu.Unlock()

	var lastErr error
	for _, dir := range dirs {
		ids, err := l.history(ctx, dir, ref)
		if err != nil {
			lastErr = err
			continue
		}
		return dir, ids, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no projects registered")
	}
	return "", nil, fmt.Errorf("resolving ref %s: %w", ref, lastErr)
}

// onLocksBranch runs fn with the locks branch checked out, restoring the
// previous branch afterwards even when fn fails. The branch is created on
// first use.
func (l *Ledger) onLocksBranch(ctx context.Context, dir string, fn func() error) error {
	current, err := l.currentBranch(ctx, dir)
	if err != nil {
		return err
	}
	if _, err := l.runner.Run(ctx, dir, "checkout", LocksBranch); err != nil {
		if !isMissingBranch(err.Error()) {
			return err
		}
		if _, cerr := l.runner.Run(ctx, dir, "checkout", "-b", LocksBranch); cerr != nil {
			return cerr
		}
		if merr := os.MkdirAll(filepath.Join(dir, locksDir), 0o755); merr != nil {
			return merr
		}
	}

	fnErr := fn()
	if current != "" && current != LocksBranch {
		if _, cerr := l.runner.Run(ctx, dir, "checkout", current); cerr != nil && fnErr == nil {
			fnErr = cerr
		}
	}
	return fnErr
}

func (l *Ledger) currentBranch(ctx context.Context, dir string) (string, error) {
	out, err := l.runner.Run(ctx, dir, "branch", "--show-current")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func (l *Ledger) head(ctx context.Context, dir string) (string, error) {
	out, err := l.runner.Run(ctx, dir, "log", "-n", "1")
	if err != nil {
		if isEmptyHistory(err.Error()) {
			return "", nil
		}
		return "", err
	}
	return parseCommitID(out), nil
}

func (l *Ledger) history(ctx context.Context, dir, ref string) (map[string]bool, error) {
	out, err := l.runner.Run(ctx, dir, "log", ref)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	for _, line := range strings.Split(out, "\n") {
		if id := commitIDFromLine(line); id != "" {
			ids[id] = true
		}
	}
	return ids, nil
}

func commitIDFromLine(line string) string {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "commit ")
	if !ok {
		return ""
	}
	if fields := strings.Fields(rest); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// parseCommitID extracts the commit id from CLI output of the form
// "commit <id>" on some line.
func parseCommitID(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if id := commitIDFromLine(line); id != "" {
			return id
		}
	}
	return strings.TrimSpace(out)
}

func mapPushError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"non-fast-forward", "fetch first", "rejected", "remote contains commits", "behind the remote"} {
		if strings.Contains(msg, pattern) {
			return domain.ErrNonFastForward
		}
	}
	return err
}

func isNothingToCommit(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "no changes to commit") || strings.Contains(m, "nothing to commit")
}

func isMissingBranch(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "branch not found") || strings.Contains(m, "does not exist") ||
		strings.Contains(m, "not found")
}

func isMissingRemoteBranch(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") || strings.Contains(m, "doesn't exist") ||
		strings.Contains(m, "does not exist")
}

func isEmptyHistory(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "no commits") || strings.Contains(m, "does not have any commits")
}

func isDivergence(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "diverge") || strings.Contains(m, "merge conflict") ||
		strings.Contains(m, "cannot be merged")
}

var _ ports.ReplicatedLog = (*Ledger)(nil)
