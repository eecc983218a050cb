// Package settings is a small key/value store for operator overrides that
// outlive a single invocation, such as alternative mirror URLs.
//
// Values live in a YAML file and can be overridden by PATCHD_* environment
// variables, with dots in keys mapped to underscores (mirror.gitee is
// PATCHD_MIRROR_GITEE).
package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

const (
	// FileName is the settings file inside the state directory.
	FileName = "settings.yaml"
	// EnvPrefix prefixes environment overrides.
	EnvPrefix = "PATCHD"

	mirrorPrefix = "mirror."
)

// Store reads and writes settings.
type Store struct {
	v    *viper.Viper
	path string
}

// Open loads the settings file at path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, fmt.Errorf("reading settings %s: %w", path, err)
	}
	return &Store{v: v, path: path}, nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}

// Path returns the settings file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns the value of key, or "" when unset.
func (s *Store) Get(key string) string {
	return s.v.GetString(key)
}

// Set stores value under key and rewrites the settings file.
func (s *Store) Set(key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("settings key is empty")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating settings directory: %w", err)
	}

	s.v.Set(key, value)
	if err := s.v.WriteConfigAs(s.path); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}

// Keys returns every key present in the file or set in this process, sorted.
func (s *Store) Keys() []string {
	keys := s.v.AllKeys()
	slices.Sort(keys)
	return keys
}

// MirrorURL returns the override for the named mirror, if any.
func (s *Store) MirrorURL(name string) (string, bool) {
	url := strings.TrimSpace(s.Get(mirrorPrefix + name))
	return url, url != ""
}
