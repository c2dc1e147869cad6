// Package mysqld impersonates a MySQL server at the level of the
// mysql(1) client's text banner and prompt loop. There is no binary
// protocol - scanners grabbing banners and script kiddies pasting SQL
// both get plausible text back.
package mysqld

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/honeynetd/honeypot/conf"
	"github.com/honeynetd/honeypot/eventlog"
	"github.com/honeynetd/honeypot/service"
)

// Options holds the mysql_config.json keys.
type Options struct {
	Host             string            `json:"host"`
	Port             int               `json:"port"`
	LogFile          string            `json:"log_file"`
	HandshakeBanner  string            `json:"handshake_banner"`
	GreetingLines    []string          `json:"greeting_lines"`
	Prompt           string            `json:"prompt"`
	CommandResponses map[string]string `json:"command_responses"`
	DefaultResponse  string            `json:"default_response"`
	Farewell         string            `json:"farewell"`
}

// DefaultOpt is the baseline config; mysql_config.json overrides it.
var DefaultOpt = Options{
	Host:            "0.0.0.0",
	LogFile:         "../logs/mysql.log",
	HandshakeBanner: "5.7.41-0ubuntu0.20.04.1-log",
	GreetingLines: []string{
		"Welcome to the MySQL monitor.  Commands end with ; or \\g.",
		"Your MySQL connection id is 54",
		"Server version: 5.7.41-0ubuntu0.20.04.1-log (Ubuntu)",
	},
	Prompt: "mysql> ",
	DefaultResponse: "ERROR 1064 (42000): You have an error in your SQL syntax; " +
		"check the manual that corresponds to your MySQL server version for the right syntax to use near '' at line 1",
	Farewell: "Bye",
}

// Server is the MySQL honeypot service.
type Server struct {
	opt       Options
	log       *eventlog.Logger
	srv       *service.TCPServer
	responses map[string]string // lower-cased command_responses
}

// New loads mysql_config.json and prepares the service.
func New(configPath string) (*Server, error) {
	opt := DefaultOpt
	if err := conf.LoadJSON(configPath, &opt); err != nil {
		return nil, err
	}
	if err := (conf.Common{Host: opt.Host, Port: opt.Port}).Validate("mysql"); err != nil {
		return nil, err
	}
	log, err := eventlog.Open("mysql", conf.Resolve(configPath, opt.LogFile))
	if err != nil {
		return nil, err
	}
	responses := make(map[string]string, len(opt.CommandResponses))
	for command, response := range opt.CommandResponses {
		responses[strings.ToLower(command)] = response
	}
	s := &Server{opt: opt, log: log, responses: responses}
	s.srv = service.NewTCPServer("mysql", net.JoinHostPort(opt.Host, fmt.Sprint(opt.Port)), nil, s.handle)
	return s, nil
}

// Name implements service.Service.
func (s *Server) Name() string { return "mysql" }

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

func (s *Server) handle(conn net.Conn) {
	client := conn.RemoteAddr().String()
	session := uuid.NewString()
	if err := s.session(conn, client, session); err != nil && !service.IsClosedErr(err) {
		s.log.Event("error", eventlog.Fields{"client": client, "session": session, "error": err.Error()})
	}
}

func (s *Server) session(conn net.Conn, client, session string) error {
	if err := writeLine(conn, s.opt.HandshakeBanner); err != nil {
		return err
	}
	for _, line := range s.opt.GreetingLines {
		if err := writeLine(conn, line); err != nil {
			return err
		}
	}
	s.log.Event("handshake", eventlog.Fields{
		"client":    client,
		"session":   session,
		"handshake": s.opt.HandshakeBanner,
	})

	r := bufio.NewReader(conn)
	for {
		if _, err := conn.Write([]byte(s.opt.Prompt)); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			if service.IsClosedErr(err) {
				return nil
			}
			return err
		}
		command := strings.TrimSpace(line)
		if command == "" {
			continue
		}
		lower := strings.ToLower(command)
		response, ok := s.responses[lower]
		if !ok {
			if lower == "quit" || lower == "exit" {
				if err := writeLine(conn, s.opt.Farewell); err != nil {
					return err
				}
				s.logCommand(client, session, command, "BYE")
				return nil
			}
			response = s.opt.DefaultResponse
		}
		if err := writeLine(conn, response); err != nil {
			return err
		}
		s.logCommand(client, session, command, response)
	}
}

func (s *Server) logCommand(client, session, command, response string) {
	if len(response) > 160 {
		response = response[:160]
	}
	s.log.Event("command", eventlog.Fields{
		"client":   client,
		"session":  session,
		"command":  command,
		"response": response,
	})
}

func writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	return err
}
