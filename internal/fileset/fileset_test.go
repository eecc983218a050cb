package fileset

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseList(t *testing.T) {
	got := ParseList([]byte("  a.php \r\n\n\nsub/b.js\n   \n"))
	want := []string{"a.php", "sub/b.js"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseList() = %v, want %v", got, want)
	}

	if got := ParseList(nil); len(got) != 0 {
		t.Errorf("ParseList(nil) = %v, want empty", got)
	}
}

func TestFormatList(t *testing.T) {
	if got := string(FormatList([]string{"a", "b"})); got != "a\nb\n" {
		t.Errorf("FormatList() = %q", got)
	}
	if got := FormatList(nil); got != nil {
		t.Errorf("FormatList(nil) = %q, want nil", got)
	}
}

func TestCheckPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"apps/admin/controller/IndexController.php", false},
		{"static/js/app.min.js", false},
		{".htaccess", false},
		{"../etc/passwd", true},
		{"apps/../../secret", true},
		{"apps/..", true},
		{`apps\admin\x.php`, true},
		{"/etc/passwd", true},
		{"", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := CheckPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CheckPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsafePath) {
				t.Errorf("expected ErrUnsafePath, got %v", err)
			}
		})
	}

	if err := CheckPaths([]string{"ok.txt", "../bad"}); !errors.Is(err, ErrUnsafePath) {
		t.Errorf("CheckPaths() = %v, want ErrUnsafePath", err)
	}
}

func TestScan(t *testing.T) {
	root := t.TempDir()
	for _, rel := range []string{"b.txt", "a/z.php", "a/b/c.js", ListFile, ".htaccess"} {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(rel), 0644); err != nil {
			t.Fatal(err)
		}
	}

	got, err := Scan(root, ListFile)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{".htaccess", "a/b/c.js", "a/z.php", "b.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Scan() = %v, want %v", got, want)
	}
}

func TestScan_MissingRoot(t *testing.T) {
	if _, err := Scan(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "deep", "nested", "file.txt")

	if err := WriteFile(dst, []byte("one"), 0600); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}

	// Overwrite keeps the existing mode.
	if err := WriteFile(dst, []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(dst)
	if string(got) != "two" {
		t.Errorf("content = %q, want two", got)
	}
	info, _ = os.Stat(dst)
	if info.Mode().Perm() != 0600 {
		t.Errorf("perm after overwrite = %v, want 0600", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Errorf("expected temp files to be cleaned up, found %d entries", len(entries))
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "out", "dst.txt")

	if err := os.WriteFile(src, []byte("payload"), 0640); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("content = %q", got)
	}
}

func TestJoin(t *testing.T) {
	got := Join("/srv/cms", "apps/x.php")
	if got != filepath.Join("/srv/cms", "apps", "x.php") {
		t.Errorf("Join() = %q", got)
	}
}
