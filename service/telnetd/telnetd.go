// Package telnetd impersonates a telnet login service: banner, login
// loop, then the shared fake shell. No IAC negotiation is performed -
// the terminal simply never echoes the password line.
package telnetd

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/honeynetd/honeypot/conf"
	"github.com/honeynetd/honeypot/eventlog"
	"github.com/honeynetd/honeypot/service"
	"github.com/honeynetd/honeypot/service/shell"
	"github.com/honeynetd/honeypot/vfs"
)

// Options holds the telnet_config.json keys.
type Options struct {
	Host           string               `json:"host"`
	Port           int                  `json:"port"`
	LogFile        string               `json:"log_file"`
	Banner         string               `json:"banner"`
	LoginPrompt    string               `json:"login_prompt"`
	PasswordPrompt string               `json:"password_prompt"`
	ShellPrompt    string               `json:"shell_prompt"`
	MOTD           []string             `json:"motd"`
	MaxAttempts    int                  `json:"max_attempts"`
	FailureMessage string               `json:"failure_message"`
	UnknownCommand string               `json:"unknown_command"`
	Users          map[string]conf.User `json:"users"`
	FakeCommands   map[string]string    `json:"fake_commands"`
}

// DefaultOpt is the baseline config; telnet_config.json overrides it.
var DefaultOpt = Options{
	Host:           "0.0.0.0",
	LogFile:        "../logs/telnet.log",
	LoginPrompt:    "login: ",
	PasswordPrompt: "Password: ",
	ShellPrompt:    "$ ",
	MaxAttempts:    3,
	FailureMessage: "Login incorrect",
	UnknownCommand: "bash: command not found",
}

// Server is the telnet honeypot service.
type Server struct {
	opt Options
	fs  *vfs.FS
	log *eventlog.Logger
	srv *service.TCPServer
}

// New loads telnet_config.json and prepares the service.
func New(configPath string, fsys *vfs.FS) (*Server, error) {
	opt := DefaultOpt
	if err := conf.LoadJSON(configPath, &opt); err != nil {
		return nil, err
	}
	if err := (conf.Common{Host: opt.Host, Port: opt.Port}).Validate("telnet"); err != nil {
		return nil, err
	}
	log, err := eventlog.Open("telnet", conf.Resolve(configPath, opt.LogFile))
	if err != nil {
		return nil, err
	}
	s := &Server{opt: opt, fs: fsys, log: log}
	s.srv = service.NewTCPServer("telnet", net.JoinHostPort(opt.Host, fmt.Sprint(opt.Port)), nil, s.handle)
	return s, nil
}

// Name implements service.Service.
func (s *Server) Name() string { return "telnet" }

// Addr implements service.Service.
func (s *Server) Addr() string { return s.srv.Addr().String() }

// Start binds the listener, records the startup event and begins
// accepting. The startup event is written before the first connection
// can produce one.
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

func (s *Server) handle(conn net.Conn) {
	client := conn.RemoteAddr().String()
	session := uuid.NewString()
	if err := s.session(conn, client, session); err != nil && !service.IsClosedErr(err) {
		s.log.Event("error", eventlog.Fields{"client": client, "session": session, "error": err.Error()})
	}
}

func (s *Server) session(conn net.Conn, client, session string) error {
	r := bufio.NewReader(conn)
	if s.opt.Banner != "" {
		if err := writeLine(conn, s.opt.Banner); err != nil {
			return err
		}
	}

	for attempt := 0; attempt < s.opt.MaxAttempts; attempt++ {
		username, err := s.prompt(conn, r, s.opt.LoginPrompt, true)
		if err != nil {
			return err
		}
		password, err := s.prompt(conn, r, s.opt.PasswordPrompt, false)
		if err != nil {
			return err
		}
		success := conf.Authenticate(s.opt.Users, username, password)
		s.log.Event("login_attempt", eventlog.Fields{
			"client":   client,
			"session":  session,
			"protocol": "telnet",
			"username": username,
			"password": password,
			"success":  success,
		})
		if success {
			for _, line := range s.opt.MOTD {
				if err := writeLine(conn, line); err != nil {
					return err
				}
			}
			home := shell.ResolveHome(s.fs, s.opt.Users[username].Home)
			return s.shellLoop(conn, r, client, session, username, home)
		}
		if err := writeLine(conn, s.opt.FailureMessage); err != nil {
			return err
		}
	}
	return writeLine(conn, "Connection closed by foreign host.")
}

// prompt writes message and reads one line back. When echo is off a
// bare CRLF is written after the (never echoed) reply so the client's
// terminal moves to the next line.
func (s *Server) prompt(conn net.Conn, r *bufio.Reader, message string, echo bool) (string, error) {
	if _, err := conn.Write([]byte(message)); err != nil {
		return "", err
	}
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	if !echo {
		if _, err := conn.Write([]byte("\r\n")); err != nil {
			return "", err
		}
	}
	return line, nil
}

func (s *Server) shellLoop(conn net.Conn, r *bufio.Reader, client, session, username, home string) error {
	sh := shell.New(s.fs, username, home)
	for {
		if _, err := conn.Write([]byte(sh.Prompt(s.opt.ShellPrompt))); err != nil {
			return err
		}
		command, err := readLine(r)
		if err != nil {
			return err
		}
		switch strings.ToLower(command) {
		case "exit", "quit", "logout":
			return writeLine(conn, "logout")
		case "":
			continue
		}

		response, handled := "", false
		if fake, ok := s.opt.FakeCommands[command]; ok {
			response, handled = fake, true
		} else {
			response, handled = sh.Run(command)
		}
		if !handled {
			response = s.opt.UnknownCommand
		}
		if response != "" {
			if err := writeLine(conn, response); err != nil {
				return err
			}
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
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\r\n"))
	return err
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
