package gitinfo

import (
	"context"
	"os/exec"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %s: %v", args, out, err)
		}
	}
	run("init", "-b", "main")
	run("-c", "user.email=t@t", "-c", "user.name=t", "commit", "--allow-empty", "-m", "init")
	return dir
}

func TestBranch(t *testing.T) {
	dir := initRepo(t)
	branch, err := Branch(context.Background(), dir)
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if branch != "main" {
		t.Fatalf("branch = %q, want main", branch)
	}
}

func TestBranchOutsideRepo(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	branch, err := Branch(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if branch != "" {
		t.Fatalf("branch = %q, want empty outside a repo", branch)
	}
}

func TestIsRepository(t *testing.T) {
	dir := initRepo(t)
	if !IsRepository(context.Background(), dir) {
		t.Fatal("IsRepository = false for a fresh repo")
	}
	if IsRepository(context.Background(), t.TempDir()) {
		t.Fatal("IsRepository = true for an empty temp dir")
	}
}
