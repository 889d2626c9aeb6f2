package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/todosync/internal/apperr"
	"github.com/mschirtzinger/todosync/internal/remote"
	"github.com/mschirtzinger/todosync/internal/remote/api"
	"github.com/mschirtzinger/todosync/internal/remote/sqlstore"
	"github.com/mschirtzinger/todosync/internal/todo"
)

type cli struct {
	t   *testing.T
	db  *sqlstore.DB
	url string
}

// setupCLI isolates config and data dirs and serves a fresh remote store.
func setupCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	logger := log.New(io.Discard, "", 0)
	db, err := sqlstore.Open(filepath.Join(t.TempDir(), "remote.db"), logger)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}
	ts := httptest.NewServer(api.NewServer(db, &api.Config{Logger: logger}).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = db.Close()
	})
	return &cli{t: t, db: db, url: ts.URL}
}

// run executes todo with the test remote and colors off.
func (c *cli) run(args ...string) (stdout, stderr string, code int) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--remote", c.url, "--no-color"}, args...)
	code = run(full, strings.NewReader(""), &out, &errOut)
	return out.String(), errOut.String(), code
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	stdout, stderr, code := c.run(args...)
	if code != apperr.ExitSuccess {
		c.t.Fatalf("todo %s: exit %d\nstdout: %s\nstderr: %s", strings.Join(args, " "), code, stdout, stderr)
	}
	return stdout
}

func (c *cli) rows(owner string) []todo.Item {
	c.t.Helper()
	rows, err := c.db.Select(context.Background(), todo.Table, remote.Filter{Owner: owner}, remote.NewestFirst)
	if err != nil {
		c.t.Fatalf("failed to read remote: %v", err)
	}
	return rows
}

func TestAddAndList(t *testing.T) {
	c := setupCLI(t)
	c.mustRun("login", "--user", "alice")

	out := c.mustRun("add", "Buy", "milk")
	if !strings.Contains(out, "Buy milk") {
		t.Errorf("add output missing text:\n%s", out)
	}

	rows := c.rows("alice")
	if len(rows) != 1 || rows[0].Text != "Buy milk" {
		t.Fatalf("remote rows = %+v", rows)
	}

	out = c.mustRun("list")
	if !strings.Contains(out, "Today") || !strings.Contains(out, "Buy milk") {
		t.Errorf("list output:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("--no-color output contains escape codes:\n%q", out)
	}
}

func TestAdd_RequiresLogin(t *testing.T) {
	c := setupCLI(t)
	_, stderr, code := c.run("add", "anything")
	if code != apperr.ExitAuthError {
		t.Errorf("exit = %d, want %d (stderr %q)", code, apperr.ExitAuthError, stderr)
	}
}

func TestAdd_DuplicateTextRefused(t *testing.T) {
	c := setupCLI(t)
	c.mustRun("login", "--user", "alice")
	c.mustRun("add", "Buy milk")

	if _, _, code := c.run("add", "  buy MILK "); code != apperr.ExitUserError {
		t.Errorf("duplicate add exit = %d, want %d", code, apperr.ExitUserError)
	}
	c.mustRun("add", "--allow-duplicate", "buy milk")

	if n := len(c.rows("alice")); n != 2 {
		t.Errorf("remote has %d rows, want 2", n)
	}
}

func TestOfflineChangesSyncLater(t *testing.T) {
	c := setupCLI(t)
	c.mustRun("login", "--user", "alice")
	c.mustRun("offline")

	out := c.mustRun("add", "Call mom")
	if !strings.Contains(out, "queued") {
		t.Errorf("offline add should mention the queue:\n%s", out)
	}
	if n := len(c.rows("alice")); n != 0 {
		t.Fatalf("offline add reached the remote: %d rows", n)
	}

	status := c.mustRun("status")
	if !strings.Contains(status, "Pending:  1 change(s)") {
		t.Errorf("status output:\n%s", status)
	}

	// The queued add is listed locally.
	if out := c.mustRun("list"); !strings.Contains(out, "Call mom") || !strings.Contains(out, "not synced") {
		t.Errorf("offline list output:\n%s", out)
	}

	c.mustRun("auto")
	out = c.mustRun("sync")
	if !strings.Contains(out, "nothing pending") {
		t.Errorf("sync output:\n%s", out)
	}

	rows := c.rows("alice")
	if len(rows) != 1 || rows[0].Text != "Call mom" || rows[0].IsTemporary() {
		t.Fatalf("remote rows after sync = %+v", rows)
	}
}

func TestSync_Offline(t *testing.T) {
	c := setupCLI(t)
	c.mustRun("login", "--user", "alice")
	c.mustRun("offline")

	if _, _, code := c.run("sync"); code != apperr.ExitBackendError {
		t.Errorf("offline sync exit = %d, want %d", code, apperr.ExitBackendError)
	}
}

func TestDoneEditRm_ByPrefix(t *testing.T) {
	c := setupCLI(t)
	c.mustRun("login", "--user", "alice")
	c.mustRun("add", "Water plants")

	id := c.rows("alice")[0].ID
	prefix := id[:8]

	c.mustRun("done", prefix)
	if !c.rows("alice")[0].Completed {
		t.Error("done did not complete the remote row")
	}

	c.mustRun("edit", prefix, "Water", "the", "plants")
	if got := c.rows("alice")[0].Text; got != "Water the plants" {
		t.Errorf("remote text = %q", got)
	}

	c.mustRun("rm", prefix)
	if n := len(c.rows("alice")); n != 0 {
		t.Errorf("remote has %d rows after rm", n)
	}

	if _, _, code := c.run("done", prefix); code != apperr.ExitUserError {
		t.Errorf("done on missing id exit = %d, want %d", code, apperr.ExitUserError)
	}
}

func TestMigrate(t *testing.T) {
	c := setupCLI(t)
	c.mustRun("login", "--user", "alice")
	c.mustRun("add", "Buy milk")

	legacy, err := todo.EncodeLegacy([]todo.LegacyItem{
		{ID: "1", Text: "BUY MILK", CreatedAt: time.Now().Add(-48 * time.Hour)},
		{ID: "2", Text: "Read a book", CreatedAt: time.Now().Add(-24 * time.Hour)},
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "legacy.json")
	if err := os.WriteFile(path, []byte(legacy), 0600); err != nil {
		t.Fatal(err)
	}

	// Collisions without a terminal need --strategy.
	stdout, _, code := c.run("migrate", "--file", path)
	if code != apperr.ExitUserError {
		t.Fatalf("migrate without strategy exit = %d, want %d", code, apperr.ExitUserError)
	}
	if !strings.Contains(stdout, "duplicate group") {
		t.Errorf("expected duplicate groups to be listed:\n%s", stdout)
	}

	out := c.mustRun("migrate", "--strategy", "merge")
	if !strings.Contains(out, "using merge") {
		t.Errorf("migrate output:\n%s", out)
	}

	// The legacy copy is older, so it replaces the remote one.
	texts := map[string]int{}
	for _, r := range c.rows("alice") {
		texts[r.Text]++
	}
	if texts["BUY MILK"] != 1 || texts["Buy milk"] != 0 || texts["Read a book"] != 1 {
		t.Errorf("remote texts after merge = %v", texts)
	}

	if out := c.mustRun("migrate"); !strings.Contains(out, "Nothing to migrate") {
		t.Errorf("second migrate output:\n%s", out)
	}
}

func TestConfigInitShow(t *testing.T) {
	c := setupCLI(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	c.mustRun("--config", path, "config", "init")
	if _, _, code := c.run("--config", path, "config", "init"); code != apperr.ExitUserError {
		t.Errorf("second init exit = %d, want %d", code, apperr.ExitUserError)
	}

	out := c.mustRun("--config", path, "config", "show")
	if !strings.Contains(out, "url: "+c.url) {
		t.Errorf("show should reflect the --remote flag:\n%s", out)
	}
	if !strings.Contains(out, "probe_interval: 5s") {
		t.Errorf("show output:\n%s", out)
	}
}

func TestUsageErrors(t *testing.T) {
	c := setupCLI(t)
	tests := [][]string{
		{"list", "--no-such-flag"},
		{"done"},
		{"list", "--filter", "someday"},
		{"login"},
	}
	for _, args := range tests {
		if _, _, code := c.run(args...); code != apperr.ExitUserError {
			t.Errorf("todo %v exit = %d, want %d", args, code, apperr.ExitUserError)
		}
	}
}

func TestResolve(t *testing.T) {
	items := []todo.Item{{ID: "abc123"}, {ID: "abd456"}, {ID: "local-xyz"}}

	tests := []struct {
		ref     string
		want    string
		wantErr apperr.Code
	}{
		{"abc123", "abc123", ""},
		{"abc", "abc123", ""},
		{"local-x", "local-xyz", ""},
		{"ab", "", apperr.CodeInvalidInput},
		{"zzz", "", apperr.CodeNotFound},
		{" ", "", apperr.CodeInvalidInput},
	}
	for _, tt := range tests {
		got, err := resolve(items, tt.ref)
		if code := apperr.CodeOf(err); code != tt.wantErr {
			t.Errorf("resolve(%q) error code = %q, want %q", tt.ref, code, tt.wantErr)
			continue
		}
		if got.ID != tt.want {
			t.Errorf("resolve(%q) = %q, want %q", tt.ref, got.ID, tt.want)
		}
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)

	got, err := parseSince("yesterday", now)
	if err != nil {
		t.Fatalf("parseSince() error: %v", err)
	}
	if !got.Before(now) || now.Sub(got) > 48*time.Hour {
		t.Errorf("parseSince(yesterday) = %v", got)
	}

	if _, err := parseSince("the color blue", now); apperr.CodeOf(err) != apperr.CodeInvalidInput {
		t.Errorf("parseSince(nonsense) error = %v", err)
	}
}

func TestBench(t *testing.T) {
	c := setupCLI(t)

	out := c.mustRun("bench", "--clients", "3", "--ops", "5")
	if !strings.Contains(out, "Ownership isolation: ok") {
		t.Errorf("bench output:\n%s", out)
	}
	if n := len(c.rows("bench-0")); n != 0 {
		t.Errorf("bench left %d rows behind", n)
	}

	out = c.mustRun("bench", "--local", "--clients", "2", "--ops", "5")
	if !strings.Contains(out, "2 client(s), 10 operation(s)") {
		t.Errorf("local bench output:\n%s", out)
	}
}
