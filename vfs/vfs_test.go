package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFS = `{
  "root": {
    "type": "directory",
    "mode": "0755",
    "modified": "2024-04-10",
    "children": {
      "etc": {
        "type": "directory",
        "modified": "2024-04-10",
        "children": {
          "passwd": {
            "type": "file",
            "content": "root:x:0:0:root:/root:/bin/bash\n",
            "modified": "2024-04-10"
          },
          "hostname": {
            "type": "file",
            "content": "web-prod-01\n",
            "modified": "2024-04-10"
          }
        }
      },
      "root": {
        "type": "directory",
        "mode": "0700",
        "modified": "2024-04-10",
        "children": {
          "readme.md": {
            "type": "file",
            "mode": "644",
            "content": "hi\n",
            "modified": "2024-04-10"
          },
          ".bash_history": {
            "type": "file",
            "content": "ls\n",
            "modified": "2024-04-10"
          }
        }
      },
      "large.bin": {
        "type": "file",
        "content": "x",
        "size": 1048576,
        "modified": "2024-04-10T13:37:00"
      }
    }
  }
}`

func testFilesystem(t *testing.T) *FS {
	t.Helper()
	fs, err := Parse([]byte(testFS))
	require.NoError(t, err)
	return fs
}

func TestNormalize(t *testing.T) {
	for _, test := range []struct {
		path, cwd, want string
	}{
		{"", "/", "/"},
		{".", "/", "/"},
		{"/", "/etc", "/"},
		{"/etc", "/", "/etc"},
		{"etc", "/", "/etc"},
		{"passwd", "/etc", "/etc/passwd"},
		{"..", "/etc", "/"},
		{"../..", "/etc", "/"},
		{"../../../..", "/etc", "/"},
		{"./passwd", "/etc", "/etc/passwd"},
		{"a//b///c", "/", "/a/b/c"},
		{"a/./b/../c", "/", "/a/c"},
		{"/a/../b", "/etc", "/b"},
	} {
		got := Normalize(test.path, test.cwd)
		assert.Equal(t, test.want, got, "Normalize(%q, %q)", test.path, test.cwd)
		// normalizing an already normalized path is a fixed point
		assert.Equal(t, got, Normalize(got, "/"))
	}
}

func TestResolve(t *testing.T) {
	fs := testFilesystem(t)

	node, err := fs.Resolve("/etc/passwd", "/")
	require.NoError(t, err)
	assert.Equal(t, "passwd", node.Name())
	assert.Equal(t, "/etc/passwd", node.Path())
	assert.False(t, node.IsDir())

	node, err = fs.Resolve("hostname", "/etc")
	require.NoError(t, err)
	assert.Equal(t, "/etc/hostname", node.Path())

	root, err := fs.Resolve("/", "/")
	require.NoError(t, err)
	assert.True(t, root.IsDir())
	assert.Nil(t, root.Parent())

	_, err = fs.Resolve("/nope", "/")
	assert.ErrorIs(t, err, ErrNotFound)

	// descending through a file is a filesystem error, not a not-found
	_, err = fs.Resolve("/etc/passwd/deeper", "/")
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestParentBackReferences(t *testing.T) {
	fs := testFilesystem(t)

	etc, err := fs.Resolve("/etc", "/")
	require.NoError(t, err)
	assert.Same(t, fs.Root(), etc.Parent())

	passwd, err := etc.Child("passwd")
	require.NoError(t, err)
	assert.Same(t, etc, passwd.Parent())
	assert.Same(t, fs.Root(), passwd.Parent().Parent())
}

func TestSizes(t *testing.T) {
	fs := testFilesystem(t)

	passwd, err := fs.Resolve("/etc/passwd", "/")
	require.NoError(t, err)
	assert.Equal(t, int64(len("root:x:0:0:root:/root:/bin/bash\n")), passwd.Size())

	// explicit size override wins over content length
	large, err := fs.Resolve("/large.bin", "/")
	require.NoError(t, err)
	assert.Equal(t, int64(1048576), large.Size())

	// directory size is the recursive sum of the children
	etc, err := fs.Resolve("/etc", "/")
	require.NoError(t, err)
	hostname, err := fs.Resolve("/etc/hostname", "/")
	require.NoError(t, err)
	assert.Equal(t, passwd.Size()+hostname.Size(), etc.Size())

	rootDir, err := fs.Resolve("/root", "/")
	require.NoError(t, err)
	assert.Equal(t, etc.Size()+rootDir.Size()+large.Size(), fs.Root().Size())
}

func TestListDir(t *testing.T) {
	fs := testFilesystem(t)

	nodes, err := fs.ListDir("/root", "/", false)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "readme.md", nodes[0].Name())

	nodes, err = fs.ListDir("/root", "/", true)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, ".bash_history", nodes[0].Name())
	assert.Equal(t, "readme.md", nodes[1].Name())

	_, err = fs.ListDir("/etc/passwd", "/", false)
	assert.ErrorIs(t, err, ErrNotDirectory)
}

func TestReadFile(t *testing.T) {
	fs := testFilesystem(t)

	content, err := fs.ReadFile("/etc/hostname", "/")
	require.NoError(t, err)
	assert.Equal(t, "web-prod-01\n", content)

	content, err = fs.ReadFile("hostname", "/etc")
	require.NoError(t, err)
	assert.Equal(t, "web-prod-01\n", content)

	_, err = fs.ReadFile("/etc", "/")
	assert.ErrorIs(t, err, ErrIsDirectory)

	_, err = fs.ReadFile("/missing", "/")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFormatListDetailed(t *testing.T) {
	fs := testFilesystem(t)

	out, err := fs.FormatList("/root", "/", true, true)
	require.NoError(t, err)
	want := "total 2\n" +
		"drwx------ 1 root root      6 Apr 10 00:00 .\n" +
		"drwxr-xr-x 1 root root 1048626 Apr 10 00:00 ..\n" +
		"-rw-r--r-- 1 root root      3 Apr 10 00:00 .bash_history\n" +
		"-rw-r--r-- 1 root root      3 Apr 10 00:00 readme.md"
	assert.Equal(t, want, out)
}

func TestFormatListVariants(t *testing.T) {
	fs := testFilesystem(t)

	// bare names, sorted
	out, err := fs.FormatList("/etc", "/", false, false)
	require.NoError(t, err)
	assert.Equal(t, "hostname\npasswd", out)

	// hidden entries appear with -a even without -l
	out, err = fs.FormatList("/root", "/", false, true)
	require.NoError(t, err)
	assert.Equal(t, ".\n..\n.bash_history\nreadme.md", out)

	// listing a file describes the file itself
	out, err = fs.FormatList("/root/readme.md", "/", true, false)
	require.NoError(t, err)
	assert.Equal(t, "-rw-r--r-- 1 root root      3 Apr 10 00:00 readme.md", out)

	// root's .. aliases the root itself
	out, err = fs.FormatList("/", "/", false, true)
	require.NoError(t, err)
	assert.Equal(t, ".\n..\netc\nlarge.bin\nroot", out)
}

func TestFormatListTotalLine(t *testing.T) {
	fs := testFilesystem(t)

	// every entry counts at least one 1k block; large.bin counts 1024
	out, err := fs.FormatList("/", "/", true, false)
	require.NoError(t, err)
	assert.Equal(t, "total 1026", firstLine(out))
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}

func TestFTPList(t *testing.T) {
	fs := testFilesystem(t)

	lines, err := fs.FTPList(".", "/root")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, "-rw-r--r-- 1 root     root            3 Apr 10 00:00 readme.md", lines[0])

	// a file path lists the single node
	lines, err = fs.FTPList("/etc/hostname", "/")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "hostname")

	_, err = fs.FTPList("/missing", "/")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestModeRendering(t *testing.T) {
	for _, test := range []struct {
		mode string
		dir  bool
		want string
	}{
		{"0755", true, "drwxr-xr-x"},
		{"0644", false, "-rw-r--r--"},
		{"644", false, "-rw-r--r--"},
		{"4", false, "-rwxrwxr--"},  // short modes pad with 7 on the left
		{"09", false, "-rwx---rwx"}, // unknown digits render rwx
		{"0000", false, "----------"},
	} {
		n := &Node{mode: test.mode, dir: test.dir}
		assert.Equal(t, test.want, renderMode(n), "mode %q", test.mode)
	}
}

func TestParseModified(t *testing.T) {
	assert.Equal(t, 2024, parseModified("2024-04-10").Year())
	assert.Equal(t, 13, parseModified("2024-04-10T13:37:00").Hour())
	assert.Equal(t, 13, parseModified("2024-04-10T13:37:00Z").Hour())
	// invalid values fall back to now rather than failing the load
	assert.False(t, parseModified("not-a-date").IsZero())
	assert.False(t, parseModified("").IsZero())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`{}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"root": {"type": "symlink"}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`{"root": {"type": "directory", "children": {"a/b": {}}}}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}
