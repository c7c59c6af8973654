package submission

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"autograder/internal/grading/model"
	appErr "autograder/pkg/errors"
)

func mkSubmission(t *testing.T, root, id, meta string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "adder.c"), []byte("int main(){}\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if meta != "" {
		if err := os.WriteFile(filepath.Join(dir, MetaFileName), []byte(meta), 0644); err != nil {
			t.Fatalf("write meta: %v", err)
		}
	}
}

func TestLoaderList(t *testing.T) {
	root := t.TempDir()
	mkSubmission(t, root, "carol", "")
	mkSubmission(t, root, "alice", "owner: Alice Liddell\nsubmitted-at: 2026-09-02T01:00:00Z\n")
	mkSubmission(t, root, "bob", "owner: bob@example.edu\n")
	mkSubmission(t, root, ".git", "")
	if err := os.WriteFile(filepath.Join(root, "roster.csv"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	loader, err := NewLoader(root)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	subs, err := loader.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("expected 3 submissions, got %d", len(subs))
	}
	ids := []string{subs[0].ID, subs[1].ID, subs[2].ID}
	if ids[0] != "alice" || ids[1] != "bob" || ids[2] != "carol" {
		t.Fatalf("expected sorted ids, got %v", ids)
	}
	alice := subs[0]
	if alice.Owner != "Alice Liddell" || alice.SubmittedAt == nil {
		t.Fatalf("metadata not applied: %+v", alice)
	}
	if !alice.SubmittedAt.Equal(time.Date(2026, 9, 2, 1, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected submit time %v", alice.SubmittedAt)
	}
	if subs[2].Owner != "carol" || subs[2].SubmittedAt != nil {
		t.Fatalf("owner should default to the id: %+v", subs[2])
	}
	for _, sub := range subs {
		if sub.Status != model.StatusPending {
			t.Fatalf("%s: expected Pending, got %s", sub.ID, sub.Status)
		}
		if sub.Root != filepath.Join(loader.Root, sub.ID) {
			t.Fatalf("unexpected root %s", sub.Root)
		}
	}
}

func TestLoaderOnly(t *testing.T) {
	root := t.TempDir()
	mkSubmission(t, root, "alice", "")
	mkSubmission(t, root, "bob", "")
	loader, err := NewLoader(root)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	subs, err := loader.List(context.Background(), "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "bob" {
		t.Fatalf("unexpected selection %+v", subs)
	}
	for _, id := range []string{"dave", "../alice", ".hidden", ""} {
		if _, err := loader.List(context.Background(), id); !appErr.Is(err, appErr.SubmissionNotFound) {
			t.Fatalf("%q: expected SubmissionNotFound, got %v", id, err)
		}
	}
}

func TestLoaderBadMetadata(t *testing.T) {
	cases := []struct {
		name string
		meta string
	}{
		{name: "unknown_key", meta: "ownr: alice\n"},
		{name: "bad_time", meta: "submitted-at: yesterday\n"},
		{name: "not_yaml", meta: "owner: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			root := t.TempDir()
			mkSubmission(t, root, "alice", tc.meta)
			loader, err := NewLoader(root)
			if err != nil {
				t.Fatalf("new loader: %v", err)
			}
			if _, err := loader.Get(context.Background(), "alice"); !appErr.Is(err, appErr.SubmissionIOError) {
				t.Fatalf("expected SubmissionIOError, got %v", err)
			}
		})
	}
}

func TestLoaderEmptyMetadata(t *testing.T) {
	root := t.TempDir()
	mkSubmission(t, root, "alice", "# nothing here\n")
	loader, err := NewLoader(root)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	sub, err := loader.Get(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sub.Owner != "alice" {
		t.Fatalf("unexpected owner %q", sub.Owner)
	}
}

func TestNewLoaderRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "subs")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewLoader(file); !appErr.Is(err, appErr.SubmissionIOError) {
		t.Fatalf("expected SubmissionIOError, got %v", err)
	}
}
