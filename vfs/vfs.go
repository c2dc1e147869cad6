// Package vfs implements the in-memory filesystem shared by the
// shell-facing honeypot services (SSH, Telnet, FTP).
//
// The tree is declared in filesystem.json, built once at startup and
// immutable afterwards, so it can be handed to every service without
// locking. Path resolution is purely syntactic - there are no symlinks,
// mounts or devices to worry about.
package vfs

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors returned by path resolution. Services translate these
// into protocol-specific messages (550 replies, "No such file or
// directory", ...) rather than surfacing them verbatim.
var (
	ErrNotFound     = errors.New("no such file or directory")
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
)

// Node is a single file or directory in the fake tree.
type Node struct {
	name     string
	parent   *Node
	dir      bool
	mode     string // octal mode string, eg "0755"; the trailing three digits are rendered
	owner    string
	group    string
	modified time.Time

	children map[string]*Node // directories only
	content  string           // files only
	sizeOver int64            // -1 when no explicit size override
}

// Name returns the node's name ("" for the root).
func (n *Node) Name() string { return n.name }

// Parent returns the containing directory, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.dir }

// Content returns a file's content. Directories have none.
func (n *Node) Content() string { return n.content }

// Size is the byte size rendered in listings: for files the UTF-8
// length of the content unless overridden, for directories the
// recursive sum of the children.
func (n *Node) Size() int64 {
	if n.dir {
		var total int64
		for _, child := range n.children {
			total += child.Size()
		}
		return total
	}
	if n.sizeOver >= 0 {
		return n.sizeOver
	}
	return int64(len(n.content))
}

// Path returns the absolute path of the node.
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil && cur.name != ""; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// Child looks up a directory entry by name.
func (n *Node) Child(name string) (*Node, error) {
	if !n.dir {
		return nil, errors.Wrap(ErrNotDirectory, n.name)
	}
	child, ok := n.children[name]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return child, nil
}

// nodeSpec is the JSON shape of a node in filesystem.json.
type nodeSpec struct {
	Type     string              `json:"type"`
	Mode     string              `json:"mode"`
	Owner    string              `json:"owner"`
	Group    string              `json:"group"`
	Modified string              `json:"modified"`
	Children map[string]nodeSpec `json:"children"`
	Content  *string             `json:"content"`
	Size     *int64              `json:"size"`
}

// FS is the filesystem handle passed into the services.
type FS struct {
	root *Node
}

// Root returns the root directory.
func (fs *FS) Root() *Node { return fs.root }

// Load reads and builds the filesystem declared in the given JSON file.
func Load(path string) (*FS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read filesystem")
	}
	fs, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return fs, nil
}

// Parse builds a filesystem from raw filesystem.json bytes.
func Parse(data []byte) (*FS, error) {
	var spec struct {
		Root *nodeSpec `json:"root"`
	}
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errors.Wrap(err, "decode filesystem")
	}
	if spec.Root == nil {
		return nil, errors.New("filesystem must contain a 'root' node")
	}
	root, err := buildNode("", *spec.Root, nil)
	if err != nil {
		return nil, err
	}
	return &FS{root: root}, nil
}

func buildNode(name string, spec nodeSpec, parent *Node) (*Node, error) {
	kind := spec.Type
	if kind == "" {
		kind = "file"
	}
	if kind != "file" && kind != "directory" {
		return nil, errors.Errorf("unsupported node type %q for %q", kind, name)
	}
	n := &Node{
		name:     name,
		parent:   parent,
		dir:      kind == "directory",
		mode:     spec.Mode,
		owner:    spec.Owner,
		group:    spec.Group,
		modified: parseModified(spec.Modified),
		sizeOver: -1,
	}
	if n.mode == "" {
		if n.dir {
			n.mode = "0755"
		} else {
			n.mode = "0644"
		}
	}
	if n.owner == "" {
		n.owner = "root"
	}
	if n.group == "" {
		n.group = "root"
	}
	if n.dir {
		n.children = make(map[string]*Node, len(spec.Children))
		for childName, childSpec := range spec.Children {
			if childName == "" || strings.Contains(childName, "/") {
				return nil, errors.Errorf("invalid child name %q in directory %q", childName, name)
			}
			child, err := buildNode(childName, childSpec, n)
			if err != nil {
				return nil, err
			}
			n.children[childName] = child
		}
		return n, nil
	}
	if spec.Content != nil {
		n.content = *spec.Content
	}
	if spec.Size != nil {
		n.sizeOver = *spec.Size
	}
	return n, nil
}

// parseModified accepts an ISO-8601 date or datetime. Anything it can't
// read falls back to the current time.
func parseModified(value string) time.Time {
	if value == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

// Normalize resolves path against cwd into a clean absolute path
// without consulting the tree. ".." above the root is a noop.
func Normalize(path, cwd string) string {
	if path == "" {
		path = "."
	}
	var parts []string
	if !strings.HasPrefix(path, "/") {
		for _, part := range strings.Split(strings.Trim(cwd, "/"), "/") {
			if part != "" {
				parts = append(parts, part)
			}
		}
	}
	for _, part := range strings.Split(path, "/") {
		switch part {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, part)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Resolve normalizes path against cwd and walks the tree to the node.
func (fs *FS) Resolve(path, cwd string) (*Node, error) {
	normalized := Normalize(path, cwd)
	if normalized == "/" {
		return fs.root, nil
	}
	current := fs.root
	for _, part := range strings.Split(strings.Trim(normalized, "/"), "/") {
		child, err := current.Child(part)
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// ListDir returns a directory's children sorted by name. Dotfiles are
// dropped unless includeHidden is set.
func (fs *FS) ListDir(path, cwd string, includeHidden bool) ([]*Node, error) {
	node, err := fs.Resolve(path, cwd)
	if err != nil {
		return nil, err
	}
	if !node.dir {
		return nil, errors.Wrap(ErrNotDirectory, node.Path())
	}
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)
	entries := make([]*Node, 0, len(names))
	for _, name := range names {
		if !includeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		entries = append(entries, node.children[name])
	}
	return entries, nil
}

// ReadFile returns the content of the file at path.
func (fs *FS) ReadFile(path, cwd string) (string, error) {
	node, err := fs.Resolve(path, cwd)
	if err != nil {
		return "", err
	}
	if node.dir {
		return "", errors.Wrap(ErrIsDirectory, node.Path())
	}
	return node.content, nil
}

// FormatList renders ls output for path: bare names, or detailed
// ls -l rows with a leading total line. With includeHidden the
// synthetic "." and ".." entries come first; the root's parent aliases
// to the root itself.
func (fs *FS) FormatList(path, cwd string, detailed, includeHidden bool) (string, error) {
	target, err := fs.Resolve(path, cwd)
	if err != nil {
		return "", err
	}
	if !target.dir {
		return describeNode(target, target.displayName(), detailed), nil
	}
	nodes, err := fs.ListDir(path, cwd, includeHidden)
	if err != nil {
		return "", err
	}
	var lines []string
	if detailed {
		var blocks int64
		for _, node := range nodes {
			blocks += max1(node.Size() / 1024)
		}
		lines = append(lines, fmt.Sprintf("total %d", blocks))
	}
	if includeHidden {
		parent := target.parent
		if parent == nil {
			parent = target
		}
		lines = append(lines, describeNode(target, ".", detailed), describeNode(parent, "..", detailed))
	}
	for _, node := range nodes {
		lines = append(lines, describeNode(node, node.displayName(), detailed))
	}
	return strings.Join(lines, "\n"), nil
}

// FTPList renders LIST rows for path: the directory's visible children,
// or the single node itself when path names a file.
func (fs *FS) FTPList(path, cwd string) ([]string, error) {
	target, err := fs.Resolve(path, cwd)
	if err != nil {
		return nil, err
	}
	nodes := []*Node{target}
	if target.dir {
		nodes, err = fs.ListDir(path, cwd, false)
		if err != nil {
			return nil, err
		}
	}
	lines := make([]string, 0, len(nodes))
	for _, node := range nodes {
		lines = append(lines, fmt.Sprintf("%s 1 %-8s %-8s %8d %s %s",
			renderMode(node), node.owner, node.group, node.Size(), lsTime(node.modified), node.name))
	}
	return lines, nil
}

func (n *Node) displayName() string {
	if n.name == "" {
		return "/"
	}
	return n.name
}

func describeNode(n *Node, name string, detailed bool) string {
	if !detailed {
		return name
	}
	return fmt.Sprintf("%s 1 %s %s %6d %s %s",
		renderMode(n), n.owner, n.group, n.Size(), lsTime(n.modified), name)
}

var permTable = map[byte]string{
	'0': "---", '1': "--x", '2': "-w-", '3': "-wx",
	'4': "r--", '5': "r-x", '6': "rw-", '7': "rwx",
}

// renderMode turns the trailing three octal digits of the mode string
// into an ls-style permission column. Short modes are left-padded with
// 7, unknown digits render as rwx.
func renderMode(n *Node) string {
	mode := n.mode
	if len(mode) > 3 {
		mode = mode[len(mode)-3:]
	}
	for len(mode) < 3 {
		mode = "7" + mode
	}
	var b strings.Builder
	if n.dir {
		b.WriteByte('d')
	} else {
		b.WriteByte('-')
	}
	for i := 0; i < 3; i++ {
		perm, ok := permTable[mode[i]]
		if !ok {
			perm = "rwx"
		}
		b.WriteString(perm)
	}
	return b.String()
}

func lsTime(t time.Time) string {
	return fmt.Sprintf("%s %2d %s", t.Format("Jan"), t.Day(), t.Format("15:04"))
}

func max1(n int64) int64 {
	if n < 1 {
		return 1
	}
	return n
}
