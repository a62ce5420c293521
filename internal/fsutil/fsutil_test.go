package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSanitize(t *testing.T) {
	cases := map[string]string{
		"plain":          "plain",
		"a/b\\c":         "a_b_c",
		"what? 100%":     "what_ 100_",
		"col:on|pipe":    "col_on_pipe",
		"\"quo\" <tag>":  "_quo_ _tag_",
		"tab\tnewline\n": "tab_newline_",
	}
	for in, want := range cases {
		if got := Sanitize(in); got != want {
			t.Errorf("Sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCreateNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg.ts")

	f, err := CreateNewFile(path)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if f == nil {
		t.Fatal("first create returned nil file")
	}
	f.Close()

	f, err = CreateNewFile(path)
	if err != nil {
		t.Fatalf("second create errored: %v", err)
	}
	if f != nil {
		f.Close()
		t.Fatal("second create should signal dedup with nil file")
	}
}

func TestCreateDedupFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.tar")

	want := []string{
		path,
		filepath.Join(dir, "out-1.tar"),
		filepath.Join(dir, "out-2.tar"),
	}
	for _, w := range want {
		got, f, err := CreateDedupFile(path)
		if err != nil {
			t.Fatalf("CreateDedupFile: %v", err)
		}
		f.Close()
		if got != w {
			t.Fatalf("CreateDedupFile = %q, want %q", got, w)
		}
	}
}

func TestCreateDedupDir(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "out")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	want := []string{path + "-1", path + "-2", path + "-3"}
	for _, w := range want {
		got, err := CreateDedupDir(path)
		if err != nil {
			t.Fatalf("CreateDedupDir: %v", err)
		}
		if got != w {
			t.Fatalf("CreateDedupDir = %q, want %q", got, w)
		}
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 directories with prefix, found %d", len(entries))
	}
}

func TestRenameDedup(t *testing.T) {
	base := t.TempDir()
	dst := filepath.Join(base, "archive")
	if err := os.Mkdir(dst, 0o755); err != nil {
		t.Fatal(err)
	}

	src := filepath.Join(base, "work")
	if err := os.Mkdir(src, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "chat.log"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := RenameDedup(src, dst)
	if err != nil {
		t.Fatalf("RenameDedup: %v", err)
	}
	if got != dst+"-1" {
		t.Fatalf("RenameDedup = %q, want %q", got, dst+"-1")
	}
	if _, err := os.Stat(filepath.Join(got, "chat.log")); err != nil {
		t.Fatalf("moved contents missing: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be gone, stat err = %v", err)
	}
}

func TestCreateDedupFileConcurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clash.log")

	const n = 16
	paths := make(chan string, n)
	for i := 0; i < n; i++ {
		go func() {
			got, f, err := CreateDedupFile(path)
			if err != nil {
				t.Errorf("CreateDedupFile: %v", err)
				paths <- ""
				return
			}
			f.Close()
			paths <- got
		}()
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		p := <-paths
		if seen[p] {
			t.Fatalf("two creators received the same path %q", p)
		}
		seen[p] = true
	}
}
