package shell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/honeynetd/honeypot/vfs"
)

const testFS = `{
  "root": {
    "type": "directory",
    "modified": "2024-04-10",
    "children": {
      "etc": {
        "type": "directory",
        "modified": "2024-04-10",
        "children": {
          "hostname": {"type": "file", "content": "db-prod-02\n", "modified": "2024-04-10"}
        }
      },
      "root": {
        "type": "directory",
        "modified": "2024-04-10",
        "children": {
          "notes.txt": {"type": "file", "content": "remember the milk", "modified": "2024-04-10"}
        }
      }
    }
  }
}`

func testShell(t *testing.T) *Shell {
	t.Helper()
	fsys, err := vfs.Parse([]byte(testFS))
	require.NoError(t, err)
	return New(fsys, "root", ResolveHome(fsys, "/root"))
}

func TestResolveHome(t *testing.T) {
	fsys, err := vfs.Parse([]byte(testFS))
	require.NoError(t, err)

	assert.Equal(t, "/root", ResolveHome(fsys, "/root"))
	assert.Equal(t, "/etc", ResolveHome(fsys, "/etc/"))
	// missing or non-directory homes fall back to the root
	assert.Equal(t, "/", ResolveHome(fsys, "/missing"))
	assert.Equal(t, "/", ResolveHome(fsys, "/etc/hostname"))
	// without a filesystem the desired home passes through
	assert.Equal(t, "/opt", ResolveHome(nil, "/opt"))
}

func TestPwdWhoami(t *testing.T) {
	sh := testShell(t)

	out, handled := sh.Run("pwd")
	assert.True(t, handled)
	assert.Equal(t, "/root", out)

	out, handled = sh.Run("whoami")
	assert.True(t, handled)
	assert.Equal(t, "root", out)
}

func TestCd(t *testing.T) {
	sh := testShell(t)

	out, handled := sh.Run("cd /etc")
	assert.True(t, handled)
	assert.Equal(t, "", out)
	assert.Equal(t, "/etc", sh.Cwd)

	// relative paths resolve against the cwd
	out, _ = sh.Run("cd ..")
	assert.Equal(t, "", out)
	assert.Equal(t, "/", sh.Cwd)

	// cd with no argument goes home
	out, _ = sh.Run("cd")
	assert.Equal(t, "", out)
	assert.Equal(t, "/root", sh.Cwd)

	out, _ = sh.Run("cd /missing")
	assert.Equal(t, "bash: cd: /missing: No such file or directory", out)
	assert.Equal(t, "/root", sh.Cwd)

	out, _ = sh.Run("cd /etc/hostname")
	assert.Equal(t, "bash: cd: /etc/hostname: Not a directory", out)
	assert.Equal(t, "/root", sh.Cwd)
}

func TestCat(t *testing.T) {
	sh := testShell(t)

	out, handled := sh.Run("cat notes.txt")
	assert.True(t, handled)
	assert.Equal(t, "remember the milk", out)

	out, _ = sh.Run("cat /etc/hostname")
	assert.Equal(t, "db-prod-02\n", out)

	out, _ = sh.Run("cat /missing")
	assert.Equal(t, "bash: cat: No such file or directory", out)

	out, _ = sh.Run("cat /etc")
	assert.Equal(t, "cat: /etc: Is a directory", out)

	// bare cat is not part of the repertoire
	_, handled = sh.Run("cat")
	assert.False(t, handled)
}

func TestLs(t *testing.T) {
	sh := testShell(t)

	out, handled := sh.Run("ls /etc")
	assert.True(t, handled)
	assert.Equal(t, "hostname", out)

	out, _ = sh.Run("ls")
	assert.Equal(t, "notes.txt", out)

	out, _ = sh.Run("ls -l /etc")
	assert.Contains(t, out, "total ")
	assert.Contains(t, out, "hostname")

	out, _ = sh.Run("ls -la /etc")
	assert.Contains(t, out, " .\n")
	assert.Contains(t, out, " ..\n")

	out, _ = sh.Run("ls -al /etc")
	assert.Contains(t, out, " .\n")

	out, _ = sh.Run("ls /missing")
	assert.Equal(t, "ls: cannot access '/missing': No such file or directory", out)
}

func TestUnknownCommands(t *testing.T) {
	sh := testShell(t)

	_, handled := sh.Run("nmap -sV localhost")
	assert.False(t, handled)

	out, handled := sh.Run("")
	assert.True(t, handled)
	assert.Equal(t, "", out)
}

func TestNilFilesystem(t *testing.T) {
	sh := New(nil, "root", "/")
	_, handled := sh.Run("pwd")
	assert.False(t, handled)
}

func TestPrompt(t *testing.T) {
	sh := testShell(t)
	assert.Equal(t, "root@honeypot:~# ", sh.Prompt("root@honeypot:~# "))

	_, _ = sh.Run("cd /etc")
	assert.Equal(t, "root@honeypot:/etc# ", sh.Prompt("root@honeypot:~# "))
}
