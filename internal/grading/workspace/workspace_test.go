package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestCopyInputs(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "adder.c", "int add;")
	writeFile(t, src, "tests/a.txt", "a")
	writeFile(t, src, "tests/b.txt", "b")
	writeFile(t, src, "src/Mul.c", "int mul;")

	cases := []struct {
		name        string
		patterns    []string
		placements  map[string]string
		wantMissing []string
		wantFiles   []string
	}{
		{
			name:      "globs_and_dirs",
			patterns:  []string{"adder.c", "tests/*.txt"},
			wantFiles: []string{"adder.c", "tests/a.txt", "tests/b.txt"},
		},
		{
			name:        "missing_pattern",
			patterns:    []string{"adder.c", "mul.c"},
			wantMissing: []string{"mul.c"},
			wantFiles:   []string{"adder.c"},
		},
		{
			name:       "placement_renames",
			patterns:   []string{"mul.c"},
			placements: map[string]string{"mul.c": "src/Mul.c"},
			wantFiles:  []string{"mul.c"},
		},
		{
			name:        "placement_to_absent_file",
			patterns:    []string{"mul.c"},
			placements:  map[string]string{"mul.c": "nowhere.c"},
			wantMissing: []string{"mul.c"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dst := t.TempDir()
			missing, err := CopyInputs(src, dst, tc.patterns, tc.placements)
			if err != nil {
				t.Fatalf("copy: %v", err)
			}
			if !reflect.DeepEqual(missing, tc.wantMissing) {
				t.Fatalf("expected missing %v, got %v", tc.wantMissing, missing)
			}
			files, err := Tree(dst, 0)
			if err != nil {
				t.Fatalf("tree: %v", err)
			}
			if len(files) == 0 {
				files = nil
			}
			if !reflect.DeepEqual(files, tc.wantFiles) {
				t.Fatalf("expected files %v, got %v", tc.wantFiles, files)
			}
		})
	}

	if _, err := os.Stat(filepath.Join(src, "mul.c")); !os.IsNotExist(err) {
		t.Fatalf("placement must not touch the submission directory")
	}
}

func TestMissing(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "Adder.C", "x")
	got := Missing(root, []string{"adder.c", "*.C"}, nil)
	if !reflect.DeepEqual(got, []string{"adder.c"}) {
		t.Fatalf("unexpected missing %v", got)
	}
	got = Missing(root, []string{"adder.c"}, map[string]string{"adder.c": "Adder.C"})
	if len(got) != 0 {
		t.Fatalf("placement should satisfy the pattern, got %v", got)
	}
}

func TestSymlinksStayInsideRoot(t *testing.T) {
	subs := t.TempDir()
	alice := filepath.Join(subs, "alice")
	bob := filepath.Join(subs, "bob")
	writeFile(t, bob, "adder.c", "BOB SECRET")
	writeFile(t, alice, "notes/readme.txt", "mine")
	if err := os.Symlink(filepath.Join(bob, "adder.c"), filepath.Join(alice, "adder.c")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink(bob, filepath.Join(alice, "shared")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if err := os.Symlink("notes/readme.txt", filepath.Join(alice, "readme.txt")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	cases := []struct {
		name       string
		patterns   []string
		placements map[string]string
	}{
		{name: "file_link", patterns: []string{"adder.c"}},
		{name: "dir_link", patterns: []string{"shared/*.c"}},
		{name: "placement", patterns: []string{"mul.c"}, placements: map[string]string{"mul.c": "shared/adder.c"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dst := t.TempDir()
			_, err := CopyInputs(alice, dst, tc.patterns, tc.placements)
			if !errors.Is(err, ErrOutsideRoot) {
				t.Fatalf("expected ErrOutsideRoot, got %v", err)
			}
			files, _ := Tree(dst, 0)
			if len(files) != 0 {
				t.Fatalf("nothing should be copied, got %v", files)
			}
			if got := Missing(alice, tc.patterns, tc.placements); len(got) != 1 {
				t.Fatalf("a link leaving the submission must count as missing, got %v", got)
			}
		})
	}

	dst := t.TempDir()
	if _, err := CopyInputs(alice, dst, []string{"readme.txt"}, nil); err != nil {
		t.Fatalf("a link inside the submission should copy: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "readme.txt"))
	if err != nil || string(data) != "mine" {
		t.Fatalf("unexpected copy %q, %v", data, err)
	}
	if _, err := Resolve(alice, "shared"); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected Resolve to refuse the directory link, got %v", err)
	}
}

func TestSafeJoinAndPatterns(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"../etc/passwd", "a/../../b", "/abs"} {
		if _, err := SafeJoin(root, rel); err == nil {
			t.Fatalf("expected %q to be rejected", rel)
		}
	}
	if p, err := SafeJoin(root, "a/b.c"); err != nil || p != filepath.Join(root, "a", "b.c") {
		t.Fatalf("unexpected join %q, %v", p, err)
	}
	for _, pattern := range []string{"", "../x", "/x", "[bad"} {
		if err := ValidPattern(pattern); err == nil {
			t.Fatalf("expected pattern %q to be rejected", pattern)
		}
	}
}

func TestScratchCleanup(t *testing.T) {
	ws, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	dir, cleanup, err := ws.Scratch("alice/part 1")
	if err != nil {
		t.Fatalf("scratch: %v", err)
	}
	if filepath.Dir(dir) != ws.root {
		t.Fatalf("scratch dir escaped the root: %s", dir)
	}
	cleanup()
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("expected scratch removed")
	}
}
