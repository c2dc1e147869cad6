// Package ftpd impersonates an FTP server: USER/PASS authentication,
// a command loop with PORT/PASV data-channel negotiation, and LIST,
// NLST and RETR served from the virtual filesystem. The PASV and PORT
// reply formats are bit-exact so standard clients interoperate.
package ftpd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/honeynetd/honeypot/conf"
	"github.com/honeynetd/honeypot/eventlog"
	"github.com/honeynetd/honeypot/service"
	"github.com/honeynetd/honeypot/service/shell"
	"github.com/honeynetd/honeypot/vfs"
)

// passiveAcceptTimeout bounds how long a transfer command waits for the
// client to dial the passive port.
const passiveAcceptTimeout = 10 * time.Second

// Reply is a config response value that may be a single line or a list
// of lines in JSON.
type Reply []string

// UnmarshalJSON accepts both "220 hello" and ["211-Ext:", "211 End"].
func (r *Reply) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = Reply{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return errors.Wrap(err, "ftp reply must be a string or list of strings")
	}
	*r = Reply(many)
	return nil
}

// Options holds the ftp_config.json keys.
type Options struct {
	Host             string               `json:"host"`
	Port             int                  `json:"port"`
	LogFile          string               `json:"log_file"`
	Banner           string               `json:"banner"`
	DefaultHome      string               `json:"default_home"`
	SystResponse     string               `json:"syst_response"`
	Features         []string             `json:"features"`
	Listing          []string             `json:"listing"`
	Users            map[string]conf.User `json:"users"`
	CommandResponses map[string]Reply     `json:"command_responses"`
}

// DefaultOpt is the baseline config; ftp_config.json overrides it.
var DefaultOpt = Options{
	Host:         "0.0.0.0",
	LogFile:      "../logs/ftp.log",
	Banner:       "220 (vsFTPd 3.0.3)",
	DefaultHome:  "/",
	SystResponse: "215 UNIX Type: L8",
	Features:     []string{"211-Features:", " UTF8", " SIZE", "211 End"},
	Listing: []string{
		"-rw-r--r--    1 ftp      ftp          531 Jan 01 12:00 README",
		"drwxr-xr-x    2 ftp      ftp         4096 Jan 01 12:00 pub",
	},
}

// Server is the FTP honeypot service.
type Server struct {
	opt           Options
	fs            *vfs.FS
	log           *eventlog.Logger
	srv           *service.TCPServer
	acceptTimeout time.Duration
}

// New loads ftp_config.json and prepares the service.
func New(configPath string, fsys *vfs.FS) (*Server, error) {
	opt := DefaultOpt
	if err := conf.LoadJSON(configPath, &opt); err != nil {
		return nil, err
	}
	if err := (conf.Common{Host: opt.Host, Port: opt.Port}).Validate("ftp"); err != nil {
		return nil, err
	}
	log, err := eventlog.Open("ftp", conf.Resolve(configPath, opt.LogFile))
	if err != nil {
		return nil, err
	}
	s := &Server{opt: opt, fs: fsys, log: log, acceptTimeout: passiveAcceptTimeout}
	s.srv = service.NewTCPServer("ftp", net.JoinHostPort(opt.Host, fmt.Sprint(opt.Port)), nil, s.handle)
	return s, nil
}

// Name implements service.Service.
func (s *Server) Name() string { return "ftp" }

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

// ftpConn is the per-connection session state.
type ftpConn struct {
	s       *Server
	conn    net.Conn
	r       *bufio.Reader
	client  string
	session string

	username string
	authed   bool
	cwd      string
	home     string

	// data-channel negotiation; both are one-shot
	activeTarget string // host:port from the last PORT, "" when unset
	pasv         *passiveListener
}

// passiveListener is the one-shot rendezvous for PASV: the first
// accepted connection is parked in ch until a transfer command picks
// it up.
type passiveListener struct {
	lis net.Listener
	ch  chan net.Conn
}

func (p *passiveListener) close() {
	_ = p.lis.Close()
	select {
	case conn := <-p.ch:
		_ = conn.Close()
	default:
	}
}

func (s *Server) handle(conn net.Conn) {
	c := &ftpConn{
		s:       s,
		conn:    conn,
		r:       bufio.NewReader(conn),
		client:  conn.RemoteAddr().String(),
		session: uuid.NewString(),
		cwd:     shell.ResolveHome(s.fs, s.opt.DefaultHome),
	}
	c.home = c.cwd
	defer c.closePassive()
	if err := c.run(); err != nil && !service.IsClosedErr(err) {
		s.log.Event("error", eventlog.Fields{"client": c.client, "session": c.session, "error": err.Error()})
	}
}

func (c *ftpConn) run() error {
	if err := c.reply(c.s.opt.Banner); err != nil {
		return err
	}
	for {
		line, err := c.r.ReadString('\n')
		if err != nil && line == "" {
			if service.IsClosedErr(err) {
				return nil
			}
			return err
		}
		decoded := strings.TrimRight(line, "\r\n")
		cmd, arg := decoded, ""
		if i := strings.IndexByte(decoded, ' '); i >= 0 {
			cmd, arg = decoded[:i], decoded[i+1:]
		}
		quit, err := c.dispatch(strings.ToUpper(cmd), arg, decoded)
		if err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
}

func (c *ftpConn) dispatch(cmd, arg, raw string) (quit bool, err error) {
	switch cmd {
	case "USER":
		return false, c.cmdUser(arg)
	case "PASS":
		return false, c.cmdPass(arg)
	case "QUIT":
		return true, c.reply("221 Goodbye.")
	case "NOOP":
		return false, c.reply("200 NOOP ok.")
	}
	if !c.authed {
		return false, c.reply("530 Please login with USER and PASS.")
	}
	switch cmd {
	case "SYST":
		return false, c.reply(c.s.opt.SystResponse)
	case "PWD", "XPWD":
		c.event("command", eventlog.Fields{"command": "PWD"})
		return false, c.reply(fmt.Sprintf("257 %q is the current directory", c.cwd))
	case "TYPE":
		return false, c.cmdType(arg)
	case "FEAT":
		return false, c.replyLines(c.s.opt.Features)
	case "PORT":
		return false, c.cmdPort(arg)
	case "PASV":
		return false, c.cmdPasv()
	case "CWD":
		return false, c.cmdCwd(arg)
	case "LIST", "NLST", "XNLST":
		return false, c.cmdList(cmd, arg)
	case "RETR":
		return false, c.cmdRetr(arg)
	}
	if canned, ok := c.s.opt.CommandResponses[cmd]; ok {
		c.event("command", eventlog.Fields{"command": raw})
		return false, c.replyLines(canned)
	}
	c.event("command", eventlog.Fields{"command": raw})
	return false, c.reply("502 Command not implemented.")
}

func (c *ftpConn) cmdUser(arg string) error {
	c.username = arg
	prompt := c.s.opt.Users[arg].UserPrompt
	if prompt == "" {
		prompt = "Please specify the password."
	}
	return c.reply("331 " + prompt)
}

func (c *ftpConn) cmdPass(arg string) error {
	success := conf.Authenticate(c.s.opt.Users, c.username, arg)
	c.s.log.Event("login_attempt", eventlog.Fields{
		"client":   c.client,
		"session":  c.session,
		"protocol": "ftp",
		"username": c.username,
		"password": arg,
		"success":  success,
	})
	if !success {
		c.authed = false
		return c.reply("530 Login incorrect.")
	}
	c.authed = true
	user := c.s.opt.Users[c.username]
	welcome := user.Welcome
	if welcome == "" {
		welcome = "230 Login successful."
	}
	home := user.Home
	if home == "" {
		home = c.s.opt.DefaultHome
	}
	c.home = shell.ResolveHome(c.s.fs, home)
	c.cwd = c.home
	c.activeTarget = ""
	c.closePassive()
	return c.reply(welcome)
}

func (c *ftpConn) cmdType(arg string) error {
	mode := strings.ToUpper(arg)
	if mode == "" {
		mode = "I"
	}
	if mode == "I" || mode == "A" {
		return c.reply("200 Switching to Binary mode.")
	}
	return c.reply("504 Command not implemented for that parameter.")
}

func (c *ftpConn) cmdPort(arg string) error {
	target, ok := parsePort(arg)
	if !ok {
		return c.reply("501 Syntax error in parameters or arguments.")
	}
	c.activeTarget = target
	c.closePassive()
	c.event("command", eventlog.Fields{"command": "PORT " + arg})
	return c.reply("200 PORT command successful.")
}

// parsePort validates the h1,h2,h3,h4,p1,p2 argument and returns the
// dial target. The port must land in (0, 65535] and the host must be a
// dotted quad.
func parsePort(arg string) (string, bool) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		return "", false
	}
	for _, part := range parts[:4] {
		octet, err := strconv.Atoi(part)
		if err != nil || octet < 0 || octet > 255 {
			return "", false
		}
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		return "", false
	}
	port := p1<<8 + p2
	if port <= 0 || port > 65535 {
		return "", false
	}
	host := strings.Join(parts[:4], ".")
	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

func (c *ftpConn) cmdPasv() error {
	c.closePassive()
	lis, err := net.Listen("tcp", net.JoinHostPort(c.s.opt.Host, "0"))
	if err != nil {
		return c.reply("425 Can't open data connection.")
	}
	pasv := &passiveListener{lis: lis, ch: make(chan net.Conn, 1)}
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		select {
		case pasv.ch <- conn:
		default:
			_ = conn.Close()
		}
	}()
	c.pasv = pasv

	host, port := c.passiveAddr(lis.Addr())
	p1, p2 := port/256, port%256
	quads := strings.Split(host, ".")
	if len(quads) != 4 {
		quads = []string{"127", "0", "0", "1"}
	}
	return c.reply(fmt.Sprintf("227 Entering Passive Mode (%s,%s,%s,%s,%d,%d).",
		quads[0], quads[1], quads[2], quads[3], p1, p2))
}

// passiveAddr picks the address advertised in the 227 reply. A
// wildcard bind falls back to the control connection's local address.
func (c *ftpConn) passiveAddr(addr net.Addr) (string, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "127.0.0.1", 0
	}
	host := tcp.IP.String()
	if tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
		if local, ok := c.conn.LocalAddr().(*net.TCPAddr); ok {
			host = local.IP.String()
		}
	}
	return host, tcp.Port
}

func (c *ftpConn) cmdCwd(arg string) error {
	target := arg
	if target == "" {
		target = c.home
	}
	if c.s.fs == nil {
		c.cwd = target
		return c.reply("250 Directory successfully changed.")
	}
	normalized := vfs.Normalize(target, c.cwd)
	node, err := c.s.fs.Resolve(normalized, c.cwd)
	if err != nil || !node.IsDir() {
		return c.reply("550 Failed to change directory.")
	}
	c.cwd = normalized
	c.event("command", eventlog.Fields{"command": "CWD " + target})
	return c.reply("250 Directory successfully changed.")
}

func (c *ftpConn) cmdList(cmd, arg string) error {
	ch, err := c.dataChannel()
	if err != nil || ch == nil {
		return err
	}
	defer c.consume(ch)

	target := arg
	if target == "" {
		target = "."
	}
	listing := c.s.opt.Listing
	if c.s.fs != nil {
		listing, err = c.s.fs.FTPList(target, c.cwd)
		if err != nil {
			return c.reply("550 Failed to list directory.")
		}
	}
	if cmd == "NLST" || cmd == "XNLST" {
		names := make([]string, 0, len(listing))
		for _, line := range listing {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				names = append(names, fields[len(fields)-1])
			}
		}
		listing = names
	}

	if err := c.reply("150 Opening data connection."); err != nil {
		return err
	}
	if !c.send(ch, listing) {
		return c.reply("425 Could not establish connection.")
	}
	c.event("command", eventlog.Fields{"command": strings.TrimSpace(cmd + " " + arg)})
	return c.reply("226 Transfer complete.")
}

func (c *ftpConn) cmdRetr(arg string) error {
	ch, err := c.dataChannel()
	if err != nil || ch == nil {
		return err
	}
	defer c.consume(ch)

	if c.s.fs == nil {
		return c.reply("550 File unavailable.")
	}
	if arg == "" {
		return c.reply("501 Missing filename.")
	}
	content, err := c.s.fs.ReadFile(arg, c.cwd)
	if err != nil {
		if errors.Is(err, vfs.ErrNotFound) {
			return c.reply("550 File not found.")
		}
		return c.reply("550 File unavailable.")
	}
	if err := c.reply("150 Opening data connection."); err != nil {
		return err
	}
	if !c.send(ch, splitLines(content)) {
		return c.reply("425 Could not establish connection.")
	}
	c.event("command", eventlog.Fields{"command": "RETR " + arg, "size": len(content)})
	return c.reply("226 Transfer complete.")
}

// dataChannel resolves the negotiated data channel. A nil channel with
// a nil error means the 425 reply has already been sent.
func (c *ftpConn) dataChannel() (*dataChannel, error) {
	if c.activeTarget != "" {
		return &dataChannel{active: c.activeTarget}, nil
	}
	if c.pasv != nil {
		select {
		case conn := <-c.pasv.ch:
			return &dataChannel{conn: conn}, nil
		case <-time.After(c.s.acceptTimeout):
			c.closePassive()
			return nil, c.reply("425 Passive data connection timed out.")
		}
	}
	return nil, c.reply("425 Use PORT or PASV first.")
}

// dataChannel is one transfer's worth of data connection: either an
// already-accepted passive conn, or an active target still to dial.
type dataChannel struct {
	active string
	conn   net.Conn
}

// send writes the payload lines CRLF-terminated over the data channel.
func (c *ftpConn) send(ch *dataChannel, lines []string) bool {
	conn := ch.conn
	if conn == nil {
		var err error
		conn, err = net.DialTimeout("tcp", ch.active, c.s.acceptTimeout)
		if err != nil {
			return false
		}
	}
	defer conn.Close()
	for _, line := range lines {
		if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
			return false
		}
	}
	return true
}

// consume enforces the one-shot semantics after a transfer attempt:
// the active target is cleared, the accepted passive conn (if the
// transfer never touched it) is released and the listener is closed.
func (c *ftpConn) consume(ch *dataChannel) {
	if ch.conn != nil {
		_ = ch.conn.Close()
	}
	if ch.active != "" {
		c.activeTarget = ""
		return
	}
	c.closePassive()
}

func (c *ftpConn) closePassive() {
	if c.pasv != nil {
		c.pasv.close()
		c.pasv = nil
	}
}

func (c *ftpConn) reply(line string) error {
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

func (c *ftpConn) replyLines(lines []string) error {
	for _, line := range lines {
		if err := c.reply(line); err != nil {
			return err
		}
	}
	return nil
}

func (c *ftpConn) event(event string, fields eventlog.Fields) {
	fields["client"] = c.client
	fields["session"] = c.session
	fields["username"] = c.username
	fields["cwd"] = c.cwd
	c.s.log.Event(event, fields)
}

// splitLines behaves like splitting on newlines without inventing a
// trailing empty line for newline-terminated content.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
