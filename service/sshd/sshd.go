// Package sshd impersonates an SSH server on top of
// golang.org/x/crypto/ssh: real key exchange against a persistent
// Ed25519 host key, a password callback that grants access to the
// configured fake accounts, and an interactive line-mode shell with
// local echo backed by the shared virtual filesystem.
package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/honeynetd/honeypot/conf"
	"github.com/honeynetd/honeypot/eventlog"
	"github.com/honeynetd/honeypot/service"
	"github.com/honeynetd/honeypot/service/shell"
	"github.com/honeynetd/honeypot/vfs"
)

// Options holds the ssh_config.json keys.
type Options struct {
	Host          string               `json:"host"`
	Port          int                  `json:"port"`
	LogFile       string               `json:"log_file"`
	Users         map[string]conf.User `json:"users"`
	FakeCommands  map[string]string    `json:"fake_commands"`
	ShellPrompt   string               `json:"shell_prompt"`
	HostKeys      []string             `json:"host_keys"`
	ServerVersion string               `json:"server_version"`
}

// DefaultOpt is the baseline config; ssh_config.json overrides it.
var DefaultOpt = Options{
	Host:          "0.0.0.0",
	LogFile:       "../logs/ssh.log",
	ShellPrompt:   "root@honeypot:~# ",
	ServerVersion: "SSH-2.0-OpenSSH_8.9p1 Ubuntu-3ubuntu0.6",
}

// Server is the SSH honeypot service.
type Server struct {
	opt     Options
	fs      *vfs.FS
	log     *eventlog.Logger
	srv     *service.TCPServer
	signers []ssh.Signer
}

// New loads ssh_config.json, ensures a host key exists and prepares
// the service.
func New(configPath string, fsys *vfs.FS) (*Server, error) {
	opt := DefaultOpt
	if err := conf.LoadJSON(configPath, &opt); err != nil {
		return nil, err
	}
	if err := (conf.Common{Host: opt.Host, Port: opt.Port}).Validate("ssh"); err != nil {
		return nil, err
	}
	signers, err := loadHostKeys(configPath, opt.HostKeys)
	if err != nil {
		return nil, err
	}
	log, err := eventlog.Open("ssh", conf.Resolve(configPath, opt.LogFile))
	if err != nil {
		return nil, err
	}
	s := &Server{opt: opt, fs: fsys, log: log, signers: signers}
	s.srv = service.NewTCPServer("ssh", net.JoinHostPort(opt.Host, fmt.Sprint(opt.Port)), nil, s.handle)
	return s, nil
}

// loadHostKeys parses the configured host keys, or ensures the default
// Ed25519 key at <config_dir>/../certs/ssh_host_ed25519, generating it
// with mode 0600 on first start.
func loadHostKeys(configPath string, paths []string) ([]ssh.Signer, error) {
	if len(paths) == 0 {
		keyPath := conf.Resolve(configPath, "../certs/ssh_host_ed25519")
		if err := ensureHostKey(keyPath); err != nil {
			return nil, err
		}
		paths = []string{keyPath}
	} else {
		resolved := make([]string, len(paths))
		for i, p := range paths {
			resolved[i] = conf.Resolve(configPath, p)
		}
		paths = resolved
	}
	signers := make([]ssh.Signer, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read host key")
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, errors.Wrapf(err, "parse host key %s", path)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

func ensureHostKey(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return errors.Wrap(err, "generate host key")
	}
	block, err := ssh.MarshalPrivateKey(key, "")
	if err != nil {
		return errors.Wrap(err, "marshal host key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create host key directory")
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return errors.Wrap(err, "write host key")
	}
	return nil
}

// Name implements service.Service.
func (s *Server) Name() string { return "ssh" }

// Addr implements service.Service.
func (s *Server) Addr() string { return s.srv.Addr().String() }

// Start implements service.Service.
func (s *Server) Start() error {
	if err := s.srv.Listen(); err != nil {
		return err
	}
	s.log.Event("startup", eventlog.Fields{"host": s.opt.Host, "port": s.opt.Port})
	s.srv.Serve()
	return nil
}

// Shutdown implements service.Service.
func (s *Server) Shutdown() error {
	err := s.srv.Shutdown()
	_ = s.log.Close()
	return err
}

// sshConfig builds a per-connection server config so the auth callback
// can tag its events with the connection's client and session id.
func (s *Server) sshConfig(client, session string) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		ServerVersion: s.opt.ServerVersion,
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			success := conf.Authenticate(s.opt.Users, meta.User(), string(password))
			s.log.Event("login_attempt", eventlog.Fields{
				"client":   client,
				"session":  session,
				"protocol": "ssh",
				"username": meta.User(),
				"password": string(password),
				"success":  success,
			})
			if !success {
				return nil, errors.Errorf("password rejected for %q", meta.User())
			}
			return nil, nil
		},
	}
	for _, signer := range s.signers {
		config.AddHostKey(signer)
	}
	return config
}

func (s *Server) handle(conn net.Conn) {
	client := conn.RemoteAddr().String()
	session := uuid.NewString()
	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig(client, session))
	if err != nil {
		// Failed handshakes and exhausted password attempts both land
		// here; the login_attempt events have already been written.
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	username := sconn.User()
	s.log.Event("handshake", eventlog.Fields{
		"client":         client,
		"session":        session,
		"username":       username,
		"client_version": string(sconn.ClientVersion()),
	})

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(channel, requests, client, session, username)
	}
	s.log.Event("session_closed", eventlog.Fields{
		"client":   client,
		"session":  session,
		"username": username,
	})
}

// execMsg is the payload of an "exec" channel request.
type execMsg struct {
	Command string
}

// ptyMsg is the payload of a "pty-req" channel request.
type ptyMsg struct {
	Term          string
	Columns, Rows uint32
	Width, Height uint32
	Modes         string
}

func (s *Server) handleSession(channel ssh.Channel, requests <-chan *ssh.Request, client, session, username string) {
	defer channel.Close()

	home := shell.ResolveHome(s.fs, s.opt.Users[username].Home)
	sh := shell.New(s.fs, username, home)

	for req := range requests {
		switch req.Type {
		case "pty-req":
			// Terminal type is accepted so real clients proceed; the
			// fake shell renders the same either way.
			var pty ptyMsg
			_ = ssh.Unmarshal(req.Payload, &pty)
			req.Reply(true, nil)
		case "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		case "shell":
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			s.interactive(channel, sh, client, session, username)
			return
		case "exec":
			var msg execMsg
			_ = ssh.Unmarshal(req.Payload, &msg)
			req.Reply(true, nil)
			go ssh.DiscardRequests(requests)
			s.exec(channel, sh, client, session, username, msg.Command)
			return
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// interactive runs the line-mode shell with local echo: bytes are
// echoed as they arrive, a CR or LF terminates the line, and the line
// is dispatched as one command.
func (s *Server) interactive(channel ssh.Channel, sh *shell.Shell, client, session, username string) {
	for _, line := range s.opt.Users[username].MOTD {
		if _, err := fmt.Fprintf(channel, "%s\r\n", line); err != nil {
			return
		}
	}
	if _, err := channel.Write([]byte(sh.Prompt(s.opt.ShellPrompt))); err != nil {
		return
	}

	var pending []byte
	var lastCR bool
	buf := make([]byte, 256)
	for {
		n, err := channel.Read(buf)
		if err != nil {
			s.exit(channel, "logout\n")
			return
		}
		for _, b := range buf[:n] {
			// a CR LF pair terminates one line, not two
			if b == '\n' && lastCR {
				lastCR = false
				continue
			}
			lastCR = b == '\r'
			switch b {
			case '\r', '\n':
				_, _ = channel.Write([]byte("\r\n"))
				line := strings.TrimSpace(string(pending))
				pending = pending[:0]
				if s.dispatch(channel, sh, client, session, username, line) {
					return
				}
				if _, err := channel.Write([]byte(sh.Prompt(s.opt.ShellPrompt))); err != nil {
					return
				}
			case 0x7f, 0x08: // backspace
				if len(pending) > 0 {
					pending = pending[:len(pending)-1]
					_, _ = channel.Write([]byte("\b \b"))
				}
			case 0x04: // ^D
				s.exit(channel, "logout\n")
				return
			default:
				pending = append(pending, b)
				_, _ = channel.Write([]byte{b})
			}
		}
	}
}

// dispatch handles one command line; it reports whether the session is
// over.
func (s *Server) dispatch(channel ssh.Channel, sh *shell.Shell, client, session, username, command string) bool {
	switch strings.ToLower(command) {
	case "exit", "quit", "logout":
		s.exit(channel, "logout\n")
		return true
	case "":
		return false
	}
	response := s.respond(sh, command)
	if response != "" {
		_, _ = fmt.Fprintf(channel, "%s\r\n", response)
	}
	s.log.Event("command", eventlog.Fields{
		"client":   client,
		"session":  session,
		"username": username,
		"command":  command,
		"cwd":      sh.Cwd,
		"response": truncate(response, 120),
	})
	return false
}

// exec answers a one-shot "ssh host command" invocation.
func (s *Server) exec(channel ssh.Channel, sh *shell.Shell, client, session, username, command string) {
	command = strings.TrimSpace(command)
	if command != "" {
		response := s.respond(sh, command)
		if response != "" {
			_, _ = fmt.Fprintf(channel, "%s\r\n", response)
		}
		s.log.Event("command", eventlog.Fields{
			"client":   client,
			"session":  session,
			"username": username,
			"command":  command,
			"cwd":      sh.Cwd,
			"response": truncate(response, 120),
		})
	}
	s.sendExitStatus(channel)
}

// respond resolves a command through fake_commands, then the shared
// shell, then the userspace default.
func (s *Server) respond(sh *shell.Shell, command string) string {
	if fake, ok := s.opt.FakeCommands[command]; ok {
		return fake
	}
	if response, handled := sh.Run(command); handled {
		return response
	}
	return fmt.Sprintf("bash: %s: command not found", firstWord(command))
}

func (s *Server) exit(channel ssh.Channel, farewell string) {
	_, _ = channel.Write([]byte(farewell))
	s.sendExitStatus(channel)
}

func (s *Server) sendExitStatus(channel ssh.Channel) {
	status := struct{ Status uint32 }{0}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&status))
}

func firstWord(command string) string {
	if fields := strings.Fields(command); len(fields) > 0 {
		return fields[0]
	}
	return command
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
