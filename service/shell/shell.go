// Package shell implements the line shell the SSH and Telnet services
// present after login: pwd, whoami, cd, ls and cat against the virtual
// filesystem, with bash-flavoured error messages.
package shell

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/honeynetd/honeypot/vfs"
)

// Shell is one logged-in session's state. FS may be nil when the
// service runs without a filesystem; every command then reports
// unhandled so callers fall back to their canned responses.
type Shell struct {
	FS       *vfs.FS
	Username string
	Home     string
	Cwd      string
}

// New starts a session homed at home (already resolved via ResolveHome).
func New(fsys *vfs.FS, username, home string) *Shell {
	return &Shell{FS: fsys, Username: username, Home: home, Cwd: home}
}

// ResolveHome maps a configured home path onto an existing directory,
// falling back to the root when it is missing or not a directory.
func ResolveHome(fsys *vfs.FS, desired string) string {
	if fsys == nil {
		return desired
	}
	normalized := vfs.Normalize(desired, "/")
	node, err := fsys.Resolve(normalized, "/")
	if err == nil && node.IsDir() {
		return normalized
	}
	return "/"
}

// Prompt renders the shell prompt, substituting the cwd for "~" when
// the session has wandered away from home.
func (s *Shell) Prompt(template string) string {
	if s.Cwd == s.Home {
		return template
	}
	return strings.ReplaceAll(template, "~", s.Cwd)
}

// Run dispatches one command line. The second return is false when the
// command is not part of the shell's repertoire, letting the caller
// fall back to fake_commands or its unknown-command response.
func (s *Shell) Run(command string) (string, bool) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", true
	}
	if s.FS == nil {
		return "", false
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "pwd":
		return s.Cwd, true
	case "whoami":
		return s.Username, true
	case "cd":
		return s.cd(args), true
	case "ls":
		return s.ls(args), true
	case "cat":
		if len(args) == 0 {
			return "", false
		}
		return s.cat(args[0]), true
	}
	return "", false
}

func (s *Shell) cd(args []string) string {
	target := s.Home
	if len(args) > 0 {
		target = args[0]
	}
	normalized := vfs.Normalize(target, s.Cwd)
	node, err := s.FS.Resolve(normalized, s.Cwd)
	if err != nil {
		return fmt.Sprintf("bash: cd: %s: No such file or directory", target)
	}
	if !node.IsDir() {
		return fmt.Sprintf("bash: cd: %s: Not a directory", target)
	}
	s.Cwd = normalized
	return ""
}

func (s *Shell) ls(args []string) string {
	var detailed, hidden bool
	for _, arg := range args {
		switch arg {
		case "-l":
			detailed = true
		case "-a":
			hidden = true
		case "-la", "-al":
			detailed, hidden = true, true
		}
	}
	target := "."
	if len(args) > 0 && !strings.HasPrefix(args[len(args)-1], "-") {
		target = args[len(args)-1]
	}
	listing, err := s.FS.FormatList(target, s.Cwd, detailed, hidden)
	if err != nil {
		if errors.Is(err, vfs.ErrNotFound) {
			return fmt.Sprintf("ls: cannot access '%s': No such file or directory", target)
		}
		return fmt.Sprintf("ls: %s: Not a directory", target)
	}
	return listing
}

func (s *Shell) cat(target string) string {
	content, err := s.FS.ReadFile(target, s.Cwd)
	if err != nil {
		if errors.Is(err, vfs.ErrIsDirectory) {
			return fmt.Sprintf("cat: %s: Is a directory", target)
		}
		return "bash: cat: No such file or directory"
	}
	return content
}
