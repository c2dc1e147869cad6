package mysqld

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPort = "43306"

const testConfig = `{
  "host": "127.0.0.1",
  "port": ` + testPort + `,
  "log_file": "logs/mysql.log",
  "command_responses": {
    "show databases;": "Database\ninformation_schema\nmysql\nwordpress\n",
    "select version();": "5.7.41-0ubuntu0.20.04.1-log\n"
  }
}`

func startServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "mysql_config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o644))

	srv, err := New(configPath)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown() })
	return srv
}

func converse(t *testing.T, addr, input string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()
	_, err = conn.Write([]byte(input))
	require.NoError(t, err)
	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	return string(data)
}

func TestGreetingAndPrompt(t *testing.T) {
	srv := startServer(t)

	out := converse(t, srv.Addr(), "quit\n")
	assert.True(t, strings.HasPrefix(out, "5.7.41-0ubuntu0.20.04.1-log\n"))
	assert.Contains(t, out, "Welcome to the MySQL monitor.")
	assert.Contains(t, out, "mysql> ")
	assert.True(t, strings.HasSuffix(out, "Bye\n"))
}

func TestCannedResponse(t *testing.T) {
	srv := startServer(t)

	out := converse(t, srv.Addr(), "show databases;\nquit\n")
	assert.Contains(t, out, "Database\ninformation_schema\nmysql\nwordpress\n")
	// the prompt reappears after the response
	assert.Equal(t, 2, strings.Count(out, "mysql> "))
}

func TestCannedResponseCaseInsensitive(t *testing.T) {
	srv := startServer(t)

	out := converse(t, srv.Addr(), "SHOW DATABASES;\nexit\n")
	assert.Contains(t, out, "information_schema")
}

func TestDefaultResponse(t *testing.T) {
	srv := startServer(t)

	out := converse(t, srv.Addr(), "drop table users;\nquit\n")
	assert.Contains(t, out, "ERROR 1064 (42000)")
}

func TestEmptyLinesReprompt(t *testing.T) {
	srv := startServer(t)

	out := converse(t, srv.Addr(), "\n\nquit\n")
	assert.Equal(t, 3, strings.Count(out, "mysql> "))
	assert.NotContains(t, out, "ERROR 1064")
}

func TestEventsLogged(t *testing.T) {
	srv := startServer(t)

	_ = converse(t, srv.Addr(), "select version();\nquit\n")
	data, err := os.ReadFile(srv.log.Path())
	require.NoError(t, err)
	log := string(data)
	assert.Contains(t, log, `"event":"startup"`)
	assert.Contains(t, log, `"event":"handshake"`)
	assert.Contains(t, log, `"command":"select version();"`)
	assert.Contains(t, log, `"response":"BYE"`)
}
