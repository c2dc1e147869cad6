// Package httpd impersonates a web server for both HTTP and HTTPS. It
// parses requests off the raw socket rather than through net/http so
// malformed scanner traffic is observed (and logged) exactly as sent,
// answers one request per connection from the configured route table,
// and closes.
package httpd

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/honeynetd/honeypot/conf"
	"github.com/honeynetd/honeypot/eventlog"
	"github.com/honeynetd/honeypot/service"
)

// Route maps an exact (method, path) pair to a canned response.
type Route struct {
	Method          string            `json:"method"`
	Path            string            `json:"path"`
	Status          int               `json:"status"`
	Body            *string           `json:"body"`
	BodyFile        string            `json:"body_file"`
	ResponseHeaders map[string]string `json:"response_headers"`
}

// Options holds the http_config.json / https_config.json keys.
type Options struct {
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	LogFile        string            `json:"log_file"`
	ServerHeader   string            `json:"server_header"`
	DefaultStatus  int               `json:"default_status"`
	DefaultHeaders map[string]string `json:"default_headers"`
	Routes         []Route           `json:"routes"`
	NotFound       *Route            `json:"not_found"`

	// HTTPS only
	Certificate string   `json:"certificate"`
	PrivateKey  string   `json:"private_key"`
	Ciphers     []string `json:"ciphers"`
	TLSVersions []string `json:"tls_versions"`
}

// DefaultOpt is the baseline config; the per-service JSON overrides it.
var DefaultOpt = Options{
	Host:          "0.0.0.0",
	ServerHeader:  "Apache/2.4.52 (Ubuntu)",
	DefaultStatus: 404,
}

var statusText = map[int]string{
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	500: "Internal Server Error",
	502: "Bad Gateway",
	503: "Service Unavailable",
}

func reason(status int) string {
	if text, ok := statusText[status]; ok {
		return text
	}
	return "Unknown"
}

// Server is the HTTP or HTTPS honeypot service.
type Server struct {
	name       string
	opt        Options
	configPath string
	log        *eventlog.Logger
	srv        *service.TCPServer
}

// New loads the config at configPath and prepares the service. With
// secure set the listener terminates TLS using the configured
// certificate, cipher list and protocol versions.
func New(configPath string, secure bool) (*Server, error) {
	name := "http"
	if secure {
		name = "https"
	}
	opt := DefaultOpt
	opt.LogFile = "../logs/" + name + ".log"
	if err := conf.LoadJSON(configPath, &opt); err != nil {
		return nil, err
	}
	if err := (conf.Common{Host: opt.Host, Port: opt.Port}).Validate(name); err != nil {
		return nil, err
	}
	var tlsConf *tls.Config
	if secure {
		var err error
		tlsConf, err = buildTLSConfig(configPath, opt)
		if err != nil {
			return nil, err
		}
	}
	log, err := eventlog.Open(name, conf.Resolve(configPath, opt.LogFile))
	if err != nil {
		return nil, err
	}
	s := &Server{name: name, opt: opt, configPath: configPath, log: log}
	s.srv = service.NewTCPServer(name, net.JoinHostPort(opt.Host, fmt.Sprint(opt.Port)), tlsConf, s.handle)
	return s, nil
}

var tlsVersionIDs = map[string]uint16{
	"TLSv1.0": tls.VersionTLS10,
	"TLSv1.1": tls.VersionTLS11,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

func buildTLSConfig(configPath string, opt Options) (*tls.Config, error) {
	if opt.Certificate == "" || opt.PrivateKey == "" {
		return nil, errors.New("https: certificate and private_key are required")
	}
	certFile := conf.Resolve(configPath, opt.Certificate)
	keyFile := conf.Resolve(configPath, opt.PrivateKey)
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "https: load certificate %s / key %s", certFile, keyFile)
	}
	tlsConf := &tls.Config{Certificates: []tls.Certificate{cert}}
	if len(opt.Ciphers) > 0 {
		suites, err := cipherSuiteIDs(opt.Ciphers)
		if err != nil {
			return nil, err
		}
		tlsConf.CipherSuites = suites
	}
	if len(opt.TLSVersions) > 0 {
		min, max := uint16(0), uint16(0)
		for _, name := range opt.TLSVersions {
			id, ok := tlsVersionIDs[name]
			if !ok {
				return nil, errors.Errorf("https: unknown TLS version %q", name)
			}
			if min == 0 || id < min {
				min = id
			}
			if id > max {
				max = id
			}
		}
		tlsConf.MinVersion = min
		tlsConf.MaxVersion = max
	}
	return tlsConf, nil
}

// cipherSuiteIDs resolves standard cipher suite names through the
// crypto/tls suite tables. Note Go does not allow configuring TLS 1.3
// suites; names given here constrain TLS 1.2 and below.
func cipherSuiteIDs(names []string) ([]uint16, error) {
	byName := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		byName[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		byName[suite.Name] = suite.ID
	}
	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, errors.Errorf("https: unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Name implements service.Service.
func (s *Server) Name() string { return s.name }

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
	if err := s.serveRequest(conn, client, session); err != nil && !service.IsClosedErr(err) {
		s.log.Event("error", eventlog.Fields{"client": client, "session": session, "error": err.Error()})
	}
}

// serveRequest answers exactly one request and returns; the caller
// closes the connection.
func (s *Server) serveRequest(conn net.Conn, client, session string) error {
	r := bufio.NewReader(conn)
	requestLine, err := r.ReadString('\n')
	if err != nil && requestLine == "" {
		if service.IsClosedErr(err) {
			return nil
		}
		return err
	}
	fields := strings.Fields(strings.TrimSpace(requestLine))
	if len(fields) != 3 {
		return s.sendError(conn, 400, "HTTP/1.0")
	}
	method, path, version := fields[0], fields[1], fields[2]

	headers, err := readHeaders(r)
	if err != nil {
		return err
	}
	body := readBody(r, headers)

	route := s.matchRoute(method, path)
	response, err := s.buildResponse(route, version)
	if err != nil {
		return err
	}
	if _, err := conn.Write(response); err != nil {
		return err
	}

	s.log.Event("request", eventlog.Fields{
		"client":       client,
		"session":      session,
		"method":       method,
		"path":         path,
		"version":      version,
		"headers":      headers,
		"body_preview": truncate(body, 200),
		"route":        route,
	})
	return nil
}

// readHeaders collects header lines until the blank separator. Keys are
// stored trimmed as sent, last write wins; lookups go through headerGet
// which is case-insensitive.
func readHeaders(r *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if line == "" || service.IsClosedErr(err) {
				return headers, nil
			}
			return headers, err
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			return headers, nil
		}
		if i := strings.IndexByte(trimmed, ':'); i >= 0 {
			headers[strings.TrimSpace(trimmed[:i])] = strings.TrimSpace(trimmed[i+1:])
		}
	}
}

func headerGet(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return ""
}

// readBody reads Content-Length bytes, accepting a short body on EOF.
func readBody(r *bufio.Reader, headers map[string]string) string {
	length, err := strconv.Atoi(headerGet(headers, "Content-Length"))
	if err != nil || length <= 0 {
		return ""
	}
	buf := make([]byte, length)
	n, _ := io.ReadFull(r, buf)
	return string(buf[:n])
}

// matchRoute returns the first declared route matching the request
// exactly, or nil.
func (s *Server) matchRoute(method, path string) *Route {
	for i := range s.opt.Routes {
		route := &s.opt.Routes[i]
		routeMethod := route.Method
		if routeMethod == "" {
			routeMethod = "GET"
		}
		if strings.EqualFold(routeMethod, method) && route.Path == path {
			return route
		}
	}
	return nil
}

func (s *Server) buildResponse(route *Route, version string) ([]byte, error) {
	var (
		status  int
		body    string
		headers = make(map[string]string, len(s.opt.DefaultHeaders)+6)
	)
	for k, v := range s.opt.DefaultHeaders {
		headers[k] = v
	}
	switch {
	case route != nil:
		status = route.Status
		if status == 0 {
			status = s.opt.DefaultStatus
		}
		var err error
		body, err = s.resolveBody(route)
		if err != nil {
			return nil, err
		}
		for k, v := range route.ResponseHeaders {
			headers[k] = v
		}
	case s.opt.NotFound != nil:
		status = s.opt.NotFound.Status
		if status == 0 {
			status = s.opt.DefaultStatus
		}
		var err error
		body, err = s.resolveBody(s.opt.NotFound)
		if err != nil {
			return nil, err
		}
		for k, v := range s.opt.NotFound.ResponseHeaders {
			headers[k] = v
		}
	default:
		status = s.opt.DefaultStatus
		body = fmt.Sprintf("%d %s\n", status, reason(status))
	}

	if headerGet(headers, "Content-Type") == "" {
		headers["Content-Type"] = "text/html; charset=utf-8"
	}
	if headerGet(headers, "Connection") == "" {
		headers["Connection"] = "close"
	}
	headerSet(headers, "Server", s.opt.ServerHeader)
	headerSet(headers, "Date", httpDate(time.Now()))
	headerSet(headers, "Content-Length", strconv.Itoa(len(body)))

	return assemble(version, status, headers, body), nil
}

// headerSet overrides a header regardless of the casing it arrived in.
func headerSet(headers map[string]string, key, value string) {
	for k := range headers {
		if strings.EqualFold(k, key) {
			delete(headers, k)
		}
	}
	headers[key] = value
}

// assemble writes the status line, headers and body. The reserved
// headers go last in a fixed order; everything else is emitted sorted
// so responses are deterministic.
func assemble(version string, status int, headers map[string]string, body string) []byte {
	reserved := []string{"Content-Type", "Connection", "Server", "Date", "Content-Length"}
	isReserved := func(key string) bool {
		for _, r := range reserved {
			if strings.EqualFold(key, r) {
				return true
			}
		}
		return false
	}
	var custom []string
	for k := range headers {
		if !isReserved(k) {
			custom = append(custom, k)
		}
	}
	sort.Strings(custom)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", version, status, reason(status))
	for _, k := range custom {
		fmt.Fprintf(&b, "%s: %s\r\n", k, headers[k])
	}
	for _, k := range reserved {
		if v := headerGet(headers, k); v != "" {
			fmt.Fprintf(&b, "%s: %s\r\n", k, v)
		}
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func (s *Server) resolveBody(route *Route) (string, error) {
	if route.Body != nil {
		return *route.Body, nil
	}
	if route.BodyFile != "" {
		data, err := os.ReadFile(conf.Resolve(s.configPath, route.BodyFile))
		if err != nil {
			return "", errors.Wrap(err, "read body_file")
		}
		return string(data), nil
	}
	return "", nil
}

func (s *Server) sendError(conn net.Conn, status int, version string) error {
	body := fmt.Sprintf("%d %s\r\n", status, reason(status))
	headers := map[string]string{
		"Content-Type": "text/plain; charset=utf-8",
		"Connection":   "close",
		"Server":       s.opt.ServerHeader,
		"Date":         httpDate(time.Now()),
	}
	headerSet(headers, "Content-Length", strconv.Itoa(len(body)))
	_, err := conn.Write(assemble(version, status, headers, body))
	return err
}

// httpDate renders an RFC 7231 HTTP-date in GMT.
func httpDate(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
