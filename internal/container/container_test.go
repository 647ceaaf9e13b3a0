package container

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), "")
}

func TestCreateWorkspaceIsOwnerOnly(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.CreateWorkspace(1)
	if err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat workspace: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("workspace perm = %o, want 0700", info.Mode().Perm())
	}
}

// TestCleanupWorkspaceRejectsTraversal is scenario S4: a cleanup path
// reaching outside the agent's own workspace must be rejected.
func TestCleanupWorkspaceRejectsTraversal(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateWorkspace(1); err != nil {
		t.Fatal(err)
	}
	if err := m.CleanupWorkspace(1, "../agent-2/secret.txt"); err == nil {
		t.Fatal("expected traversal path to be rejected")
	}
}

func TestCleanupWorkspaceRemovesWithinBounds(t *testing.T) {
	m := newTestManager(t)
	dir, err := m.CreateWorkspace(1)
	if err != nil {
		t.Fatal(err)
	}
	scratch := filepath.Join(dir, "scratch.txt")
	if err := os.WriteFile(scratch, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := m.CleanupWorkspace(1, "scratch.txt"); err != nil {
		t.Fatalf("CleanupWorkspace: %v", err)
	}
	if _, err := os.Stat(scratch); !os.IsNotExist(err) {
		t.Fatalf("scratch.txt still present after cleanup")
	}
}

func TestListWorkspacesListsCreatedDirectories(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateWorkspace(1); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateWorkspace(2); err != nil {
		t.Fatal(err)
	}
	names, err := m.ListWorkspaces()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("got %d workspaces, want 2: %v", len(names), names)
	}
}

// TestHostFallbackWhenRuntimeUnavailable exercises Create/Exec/Remove on
// the uncontainerized fallback path, which a CI runner without a container
// runtime always takes after Init.
func TestHostFallbackWhenRuntimeUnavailable(t *testing.T) {
	m := newTestManager(t)
	m.runtime = "" // simulate Init() finding no runtime, without relying on PATH

	dir, err := m.CreateWorkspace(1)
	if err != nil {
		t.Fatal(err)
	}
	info, err := m.Create(context.Background(), 1, dir, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Containerized {
		t.Fatal("expected non-containerized fallback info")
	}

	result, err := m.Exec(context.Background(), 1, "echo hello", ExecOpts{})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Stdout != "hello\n" {
		t.Fatalf("stdout = %q, want %q", result.Stdout, "hello\n")
	}

	if err := m.Remove(1); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m.Get(1) != nil {
		t.Fatal("container info still present after Remove")
	}
}

func TestGetAllAndShutdown(t *testing.T) {
	m := newTestManager(t)
	m.runtime = ""
	dir1, _ := m.CreateWorkspace(1)
	dir2, _ := m.CreateWorkspace(2)
	if _, err := m.Create(context.Background(), 1, dir1, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Create(context.Background(), 2, dir2, nil); err != nil {
		t.Fatal(err)
	}
	if len(m.GetAll()) != 2 {
		t.Fatalf("GetAll returned %d entries, want 2", len(m.GetAll()))
	}
	m.Shutdown()
	if len(m.GetAll()) != 0 {
		t.Fatalf("containers remain after Shutdown: %v", m.GetAll())
	}
}
