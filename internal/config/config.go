package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default mirrors, in fetch order.
const (
	DefaultPrimaryName    = "gitee"
	DefaultPrimaryURL     = "https://gitee.com/jeay/doyecms-update/raw/master"
	DefaultSecondaryName  = "github"
	DefaultSecondaryURL   = "https://raw.githubusercontent.com/jeeaay/doyecms-update/refs/heads/master"
	DefaultUserAgent      = "DoyeCMS-Updater/1.0"
	DefaultUTCOffsetHours = 8
)

// Config represents the complete patchd configuration
type Config struct {
	Mirrors []MirrorConfig `yaml:"mirrors"`
	Paths   PathsConfig    `yaml:"paths"`
	HTTP    HTTPConfig     `yaml:"http"`
	Remote  RemoteConfig   `yaml:"remote"`
	Package PackageConfig  `yaml:"package"`
	Auth    AuthConfig     `yaml:"auth"`
	Serve   ServeConfig    `yaml:"serve"`
}

// MirrorConfig is one remote patch repository
type MirrorConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// PathsConfig configures local filesystem paths. Everything except RootDir
// defaults to a location derived from RootDir.
type PathsConfig struct {
	RootDir     string   `yaml:"root_dir"`
	RuntimeDir  string   `yaml:"runtime_dir"`
	StateDir    string   `yaml:"state_dir"`
	LedgerFile  string   `yaml:"ledger_file"`
	StagingDir  string   `yaml:"staging_dir"`
	BackupDir   string   `yaml:"backup_dir"`
	JournalFile string   `yaml:"journal_file"`
	CacheDirs   []string `yaml:"cache_dirs"`
}

// HTTPConfig configures the remote transports
type HTTPConfig struct {
	UserAgent              string        `yaml:"user_agent"`
	ConnectTimeout         time.Duration `yaml:"connect_timeout"`
	Timeout                time.Duration `yaml:"timeout"`
	DownloadTimeout        time.Duration `yaml:"download_timeout"`
	DiagnoseConnectTimeout time.Duration `yaml:"diagnose_connect_timeout"`
	DiagnoseTimeout        time.Duration `yaml:"diagnose_timeout"`
	VerifyTLS              bool          `yaml:"verify_tls"`
	MaxRedirects           *int          `yaml:"max_redirects"`
}

// RemoteConfig configures where manifests come from
type RemoteConfig struct {
	// LocalManifest, when set, is read instead of the remote update_list.txt.
	LocalManifest string `yaml:"local_manifest"`
}

// PackageConfig configures building update packages
type PackageConfig struct {
	ProjectRoot    string `yaml:"project_root"`
	UpdateDir      string `yaml:"update_dir"`
	UTCOffsetHours *int   `yaml:"utc_offset_hours"`
	Commit         bool   `yaml:"commit"`
	Push           bool   `yaml:"push"`
}

// AuthConfig configures Git authentication for publishing packages
type AuthConfig struct {
	SSHKeyFile     string `yaml:"ssh_key_file"`
	HTTPSTokenFile string `yaml:"https_token_file"`
}

// ServeConfig configures the operator HTTP API
type ServeConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads, validates and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration for the installation at rootDir with
// every other field defaulted.
func Default(rootDir string) *Config {
	cfg := &Config{Paths: PathsConfig{RootDir: rootDir}}
	cfg.applyDefaults()
	return cfg
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	for i := range c.Mirrors {
		c.Mirrors[i].URL = os.ExpandEnv(c.Mirrors[i].URL)
	}
	for _, p := range []*string{
		&c.Paths.RootDir,
		&c.Paths.RuntimeDir,
		&c.Paths.StateDir,
		&c.Paths.LedgerFile,
		&c.Paths.StagingDir,
		&c.Paths.BackupDir,
		&c.Paths.JournalFile,
		&c.Remote.LocalManifest,
		&c.Package.ProjectRoot,
		&c.Package.UpdateDir,
		&c.Auth.SSHKeyFile,
		&c.Auth.HTTPSTokenFile,
		&c.Serve.ListenAddr,
	} {
		*p = os.ExpandEnv(*p)
	}
	for i := range c.Paths.CacheDirs {
		c.Paths.CacheDirs[i] = os.ExpandEnv(c.Paths.CacheDirs[i])
	}
}

// applyDefaults fills in zero-value fields with defaults derived from the
// installation root.
func (c *Config) applyDefaults() {
	if len(c.Mirrors) == 0 {
		c.Mirrors = []MirrorConfig{
			{Name: DefaultPrimaryName, URL: DefaultPrimaryURL},
			{Name: DefaultSecondaryName, URL: DefaultSecondaryURL},
		}
	}

	p := &c.Paths
	if p.RuntimeDir == "" && p.RootDir != "" {
		p.RuntimeDir = filepath.Join(p.RootDir, "runtime")
	}
	if p.StateDir == "" && p.RuntimeDir != "" {
		p.StateDir = filepath.Join(p.RuntimeDir, "patchd")
	}
	if p.LedgerFile == "" && p.RootDir != "" {
		p.LedgerFile = filepath.Join(p.RootDir, "update_apply.txt")
	}
	if p.StagingDir == "" && p.RootDir != "" {
		p.StagingDir = filepath.Join(p.RootDir, "update")
	}
	if p.BackupDir == "" && p.RuntimeDir != "" {
		p.BackupDir = filepath.Join(p.RuntimeDir, "backup")
	}
	if p.JournalFile == "" && p.StateDir != "" {
		p.JournalFile = filepath.Join(p.StateDir, "journal.db")
	}
	if p.CacheDirs == nil && p.RuntimeDir != "" {
		p.CacheDirs = []string{
			filepath.Join(p.RuntimeDir, "cache"),
			filepath.Join(p.RuntimeDir, "complite"),
			filepath.Join(p.RuntimeDir, "config"),
		}
	}

	h := &c.HTTP
	if h.UserAgent == "" {
		h.UserAgent = DefaultUserAgent
	}
	if h.ConnectTimeout == 0 {
		h.ConnectTimeout = 10 * time.Second
	}
	if h.Timeout == 0 {
		h.Timeout = 30 * time.Second
	}
	if h.DownloadTimeout == 0 {
		h.DownloadTimeout = 60 * time.Second
	}
	if h.DiagnoseConnectTimeout == 0 {
		h.DiagnoseConnectTimeout = 5 * time.Second
	}
	if h.DiagnoseTimeout == 0 {
		h.DiagnoseTimeout = 10 * time.Second
	}
	if h.MaxRedirects == nil {
		n := 3
		h.MaxRedirects = &n
	}

	if c.Package.ProjectRoot == "" {
		c.Package.ProjectRoot = p.RootDir
	}
	if c.Package.UpdateDir == "" && c.Package.ProjectRoot != "" {
		c.Package.UpdateDir = filepath.Join(c.Package.ProjectRoot, "update")
	}
	if c.Package.UTCOffsetHours == nil {
		n := DefaultUTCOffsetHours
		c.Package.UTCOffsetHours = &n
	}

	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if len(c.Mirrors) == 0 {
		return fmt.Errorf("at least one mirror is required")
	}
	seen := make(map[string]bool, len(c.Mirrors))
	for i, m := range c.Mirrors {
		if m.Name == "" {
			return fmt.Errorf("mirrors[%d].name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("duplicate mirror name: %s", m.Name)
		}
		seen[m.Name] = true

		u, err := url.Parse(m.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("mirrors[%d].url must be an http(s) URL: %s", i, m.URL)
		}
	}

	if c.Paths.RootDir == "" {
		return fmt.Errorf("paths.root_dir is required")
	}

	// Ensure paths are absolute
	for _, f := range []struct{ name, path string }{
		{"paths.root_dir", c.Paths.RootDir},
		{"paths.runtime_dir", c.Paths.RuntimeDir},
		{"paths.state_dir", c.Paths.StateDir},
		{"paths.ledger_file", c.Paths.LedgerFile},
		{"paths.staging_dir", c.Paths.StagingDir},
		{"paths.backup_dir", c.Paths.BackupDir},
		{"paths.journal_file", c.Paths.JournalFile},
	} {
		if f.path != "" && !filepath.IsAbs(f.path) {
			return fmt.Errorf("%s must be an absolute path: %s", f.name, f.path)
		}
	}
	for _, dir := range c.Paths.CacheDirs {
		if !filepath.IsAbs(dir) {
			return fmt.Errorf("paths.cache_dirs entries must be absolute paths: %s", dir)
		}
	}

	if c.HTTP.ConnectTimeout < 0 || c.HTTP.Timeout < 0 || c.HTTP.DownloadTimeout < 0 ||
		c.HTTP.DiagnoseConnectTimeout < 0 || c.HTTP.DiagnoseTimeout < 0 {
		return fmt.Errorf("http timeouts must not be negative")
	}

	if off := c.Package.UTCOffsetHours; off != nil && (*off < -12 || *off > 14) {
		return fmt.Errorf("package.utc_offset_hours out of range: %d", *off)
	}
	if c.Package.Push && !c.Package.Commit {
		return fmt.Errorf("package.push requires package.commit")
	}

	// Validate auth: only one auth method may be configured
	if c.Auth.SSHKeyFile != "" && c.Auth.HTTPSTokenFile != "" {
		return fmt.Errorf("auth: only one of ssh_key_file or https_token_file may be set")
	}

	return nil
}

// MirrorNames returns the configured mirror names in fetch order.
func (c *Config) MirrorNames() []string {
	names := make([]string, len(c.Mirrors))
	for i, m := range c.Mirrors {
		names[i] = m.Name
	}
	return names
}

// OverrideMirrors replaces mirror URLs for which lookup returns a value.
func (c *Config) OverrideMirrors(lookup func(name string) (string, bool)) {
	for i, m := range c.Mirrors {
		if u, ok := lookup(m.Name); ok {
			c.Mirrors[i].URL = strings.TrimRight(u, "/")
		}
	}
}

// SettingsFile returns the path to the key/value settings file
func (c *Config) SettingsFile() string {
	return filepath.Join(c.Paths.StateDir, "settings.yaml")
}

// PackageLocation returns the timezone package versions are stamped in
func (c *Config) PackageLocation() *time.Location {
	hours := DefaultUTCOffsetHours
	if c.Package.UTCOffsetHours != nil {
		hours = *c.Package.UTCOffsetHours
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", hours), hours*3600)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Auth.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Auth.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}
