package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
mirrors:
  - name: gitee
    url: "https://gitee.example.com/update"
  - name: github
    url: "https://github.example.com/update"

paths:
  root_dir: "/srv/cms"

http:
  timeout: 45s
  verify_tls: true
  max_redirects: 0

package:
  utc_offset_hours: 0
  commit: true
  push: true

serve:
  listen_addr: ":9000"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.MirrorNames(); len(got) != 2 || got[0] != "gitee" || got[1] != "github" {
		t.Errorf("expected mirror order [gitee github], got %v", got)
	}
	if cfg.HTTP.Timeout != 45*time.Second {
		t.Errorf("expected timeout 45s, got %s", cfg.HTTP.Timeout)
	}
	if cfg.HTTP.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect timeout 10s, got %s", cfg.HTTP.ConnectTimeout)
	}
	if !cfg.HTTP.VerifyTLS {
		t.Error("expected verify_tls to be true")
	}
	if *cfg.HTTP.MaxRedirects != 0 {
		t.Errorf("expected explicit max_redirects 0 to survive defaults, got %d", *cfg.HTTP.MaxRedirects)
	}
	if *cfg.Package.UTCOffsetHours != 0 {
		t.Errorf("expected explicit utc offset 0, got %d", *cfg.Package.UTCOffsetHours)
	}
	if cfg.Paths.LedgerFile != "/srv/cms/update_apply.txt" {
		t.Errorf("unexpected ledger file %s", cfg.Paths.LedgerFile)
	}
	if cfg.Serve.ListenAddr != ":9000" {
		t.Errorf("unexpected listen addr %s", cfg.Serve.ListenAddr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_SchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "empty document",
			content: "",
			want:    "paths",
		},
		{
			name: "unknown key",
			content: `
paths:
  root_dir: /srv/cms
surprise: true
`,
			want: "surprise",
		},
		{
			name: "bad duration",
			content: `
paths:
  root_dir: /srv/cms
http:
  timeout: 30
`,
			want: "/http/timeout",
		},
		{
			name: "mirror without url",
			content: `
mirrors:
  - name: gitee
paths:
  root_dir: /srv/cms
`,
			want: "/mirrors/0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected schema error")
			}
			var se *SchemaError
			if !errors.As(err, &se) {
				t.Fatalf("expected *SchemaError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error to mention %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_NonHTTPMirror(t *testing.T) {
	_, err := Load(writeConfig(t, `
mirrors:
  - name: gitee
    url: ftp://example.com
paths:
  root_dir: /srv/cms
`))
	if err == nil || !strings.Contains(err.Error(), "mirrors[0].url") {
		t.Fatalf("expected mirror url error, got %v", err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "paths: [unclosed"))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "no mirrors",
			mutate:  func(c *Config) { c.Mirrors = nil },
			wantErr: true,
		},
		{
			name: "duplicate mirror names",
			mutate: func(c *Config) {
				c.Mirrors = []MirrorConfig{{Name: "a", URL: "https://a"}, {Name: "a", URL: "https://b"}}
			},
			wantErr: true,
		},
		{
			name:    "mirror url without host",
			mutate:  func(c *Config) { c.Mirrors[0].URL = "https://" },
			wantErr: true,
		},
		{
			name:    "missing root",
			mutate:  func(c *Config) { c.Paths.RootDir = "" },
			wantErr: true,
		},
		{
			name:    "relative backup dir",
			mutate:  func(c *Config) { c.Paths.BackupDir = "runtime/backup" },
			wantErr: true,
		},
		{
			name:    "relative cache dir",
			mutate:  func(c *Config) { c.Paths.CacheDirs = []string{"cache"} },
			wantErr: true,
		},
		{
			name:    "negative timeout",
			mutate:  func(c *Config) { c.HTTP.Timeout = -time.Second },
			wantErr: true,
		},
		{
			name:    "push without commit",
			mutate:  func(c *Config) { c.Package.Push = true },
			wantErr: true,
		},
		{
			name: "both auth methods",
			mutate: func(c *Config) {
				c.Auth.SSHKeyFile = "/key"
				c.Auth.HTTPSTokenFile = "/token"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default("/srv/cms")
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Default("/srv/cms")

	checks := map[string]string{
		"runtime":  cfg.Paths.RuntimeDir,
		"state":    cfg.Paths.StateDir,
		"ledger":   cfg.Paths.LedgerFile,
		"staging":  cfg.Paths.StagingDir,
		"backup":   cfg.Paths.BackupDir,
		"journal":  cfg.Paths.JournalFile,
		"update":   cfg.Package.UpdateDir,
		"settings": cfg.SettingsFile(),
	}
	want := map[string]string{
		"runtime":  "/srv/cms/runtime",
		"state":    "/srv/cms/runtime/patchd",
		"ledger":   "/srv/cms/update_apply.txt",
		"staging":  "/srv/cms/update",
		"backup":   "/srv/cms/runtime/backup",
		"journal":  "/srv/cms/runtime/patchd/journal.db",
		"update":   "/srv/cms/update",
		"settings": "/srv/cms/runtime/patchd/settings.yaml",
	}
	for k, w := range want {
		if checks[k] != w {
			t.Errorf("%s: expected %s, got %s", k, w, checks[k])
		}
	}

	wantCache := []string{"/srv/cms/runtime/cache", "/srv/cms/runtime/complite", "/srv/cms/runtime/config"}
	if strings.Join(cfg.Paths.CacheDirs, ",") != strings.Join(wantCache, ",") {
		t.Errorf("unexpected cache dirs %v", cfg.Paths.CacheDirs)
	}

	if cfg.Mirrors[0].Name != DefaultPrimaryName || cfg.Mirrors[1].Name != DefaultSecondaryName {
		t.Errorf("expected primary mirror first, got %v", cfg.MirrorNames())
	}
	if cfg.HTTP.UserAgent != DefaultUserAgent {
		t.Errorf("unexpected user agent %s", cfg.HTTP.UserAgent)
	}
	if cfg.HTTP.DownloadTimeout != 60*time.Second || cfg.HTTP.DiagnoseTimeout != 10*time.Second {
		t.Errorf("unexpected timeouts %+v", cfg.HTTP)
	}
	if *cfg.HTTP.MaxRedirects != 3 {
		t.Errorf("expected 3 redirects, got %d", *cfg.HTTP.MaxRedirects)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaulted config should validate: %v", err)
	}
}

func TestOverrideMirrors(t *testing.T) {
	cfg := Default("/srv/cms")
	cfg.OverrideMirrors(func(name string) (string, bool) {
		if name == "github" {
			return "https://proxy.example.com/update/", true
		}
		return "", false
	})

	if cfg.Mirrors[0].URL != DefaultPrimaryURL {
		t.Errorf("primary should be untouched, got %s", cfg.Mirrors[0].URL)
	}
	if cfg.Mirrors[1].URL != "https://proxy.example.com/update" {
		t.Errorf("secondary override not applied, got %s", cfg.Mirrors[1].URL)
	}
}

func TestPackageLocation(t *testing.T) {
	cfg := Default("/srv/cms")
	ts := time.Date(2024, 1, 1, 20, 30, 0, 0, time.UTC)

	if got := ts.In(cfg.PackageLocation()).Format("2006010215"); got != "2024010204" {
		t.Errorf("expected UTC+8 rendering 2024010204, got %s", got)
	}

	zero := 0
	cfg.Package.UTCOffsetHours = &zero
	if got := ts.In(cfg.PackageLocation()).Format("2006010215"); got != "2024010120" {
		t.Errorf("expected UTC rendering 2024010120, got %s", got)
	}
}

func TestAuthMethod(t *testing.T) {
	tests := []struct {
		name string
		auth AuthConfig
		want string
	}{
		{"ssh", AuthConfig{SSHKeyFile: "/key"}, "ssh"},
		{"https", AuthConfig{HTTPSTokenFile: "/token"}, "https"},
		{"none", AuthConfig{}, "none"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Auth: tt.auth}
			if got := cfg.AuthMethod(); got != tt.want {
				t.Errorf("AuthMethod() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PATCHD_TEST_ROOT", "/srv/site")
	t.Setenv("PATCHD_TEST_MIRROR", "https://mirror.example.com")

	path := writeConfig(t, `
mirrors:
  - name: primary
    url: "${PATCHD_TEST_MIRROR}/update"
paths:
  root_dir: "${PATCHD_TEST_ROOT}"
  cache_dirs:
    - "${PATCHD_TEST_ROOT}/runtime/cache"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Paths.RootDir != "/srv/site" {
		t.Errorf("expected expanded root, got %s", cfg.Paths.RootDir)
	}
	if cfg.Mirrors[0].URL != "https://mirror.example.com/update" {
		t.Errorf("expected expanded mirror url, got %s", cfg.Mirrors[0].URL)
	}
	if cfg.Paths.CacheDirs[0] != "/srv/site/runtime/cache" {
		t.Errorf("expected expanded cache dir, got %s", cfg.Paths.CacheDirs[0])
	}
	if cfg.Paths.LedgerFile != "/srv/site/update_apply.txt" {
		t.Errorf("defaults should derive from expanded root, got %s", cfg.Paths.LedgerFile)
	}
}
