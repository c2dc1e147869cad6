// Package conf holds the JSON config plumbing shared by every honeypot
// service: the file loader, relative path resolution against the config
// file's directory, and the user record used by SSH, Telnet and FTP.
package conf

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LoadJSON reads path and decodes it into v. v is typically a service
// Options struct pre-filled with defaults so absent keys keep them.
func LoadJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read config")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return nil
}

// Resolve interprets rel relative to the directory containing
// configPath. Absolute paths pass through untouched.
func Resolve(configPath, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(filepath.Dir(configPath), rel)
}

// User is one fake account. Only the password list matters for
// authentication; the rest shapes the post-login experience.
type User struct {
	Passwords  []string `json:"passwords"`
	Home       string   `json:"home"`
	MOTD       []string `json:"motd"`
	UserPrompt string   `json:"user_prompt"`
	Welcome    string   `json:"welcome"`
}

// HasPassword reports whether p is one of the acceptable passwords.
func (u User) HasPassword(p string) bool {
	for _, candidate := range u.Passwords {
		if candidate == p {
			return true
		}
	}
	return false
}

// Authenticate checks a username/password pair against the user map.
func Authenticate(users map[string]User, username, password string) bool {
	user, ok := users[username]
	return ok && user.HasPassword(password)
}

// Common carries the keys every service config understands.
type Common struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	LogFile string `json:"log_file"`
}

// Validate checks the required keys are present and plausible.
func (c Common) Validate(service string) error {
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Errorf("%s: port must be set to a value in 1..65535, got %d", service, c.Port)
	}
	return nil
}
