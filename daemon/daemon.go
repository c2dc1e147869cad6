// Package daemon owns the honeypot runtime: it discovers which
// services are configured, loads the shared filesystem when the
// shell-facing services need it, starts every listener, waits for a
// shutdown signal and stops everything cleanly.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/honeynetd/honeypot/service"
	"github.com/honeynetd/honeypot/service/ftpd"
	"github.com/honeynetd/honeypot/service/httpd"
	"github.com/honeynetd/honeypot/service/mysqld"
	"github.com/honeynetd/honeypot/service/sshd"
	"github.com/honeynetd/honeypot/service/telnetd"
	"github.com/honeynetd/honeypot/vfs"
)

// serviceNames is the full set of known services in a stable order;
// auto-discovery and startup both iterate it so behaviour does not
// depend on map ordering.
var serviceNames = []string{"ssh", "telnet", "ftp", "http", "https", "mysql"}

// filesystemServices are the services that present the shared fake
// filesystem and therefore require filesystem.json.
var filesystemServices = map[string]bool{"ssh": true, "telnet": true, "ftp": true}

type constructor func(configPath string, fsys *vfs.FS) (service.Service, error)

var registry = map[string]constructor{
	"ssh": func(path string, fsys *vfs.FS) (service.Service, error) {
		return sshd.New(path, fsys)
	},
	"telnet": func(path string, fsys *vfs.FS) (service.Service, error) {
		return telnetd.New(path, fsys)
	},
	"ftp": func(path string, fsys *vfs.FS) (service.Service, error) {
		return ftpd.New(path, fsys)
	},
	"http": func(path string, _ *vfs.FS) (service.Service, error) {
		return httpd.New(path, false)
	},
	"https": func(path string, _ *vfs.FS) (service.Service, error) {
		return httpd.New(path, true)
	},
	"mysql": func(path string, _ *vfs.FS) (service.Service, error) {
		return mysqld.New(path)
	},
}

// Daemon coordinates the configured services.
type Daemon struct {
	configDir string
	requested []string
	services  []service.Service
	fsys      *vfs.FS
	quit      chan struct{}
	quitOnce  sync.Once
}

// New prepares a daemon for configDir. requested is the explicit
// service list, or nil for auto-discovery.
func New(configDir string, requested []string) *Daemon {
	return &Daemon{
		configDir: configDir,
		requested: requested,
		quit:      make(chan struct{}),
	}
}

// Services returns the loaded services.
func (d *Daemon) Services() []service.Service { return d.services }

// Load resolves the enabled service set, loads filesystem.json when a
// shell-facing service is enabled and constructs every service. Any
// failure here is fatal to startup.
func (d *Daemon) Load() error {
	names, err := d.resolveNames()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return errors.Errorf("no service configurations found in %s", d.configDir)
	}

	needFS := false
	for _, name := range names {
		if filesystemServices[name] {
			needFS = true
		}
	}
	if needFS {
		fsPath := filepath.Join(d.configDir, "filesystem.json")
		if _, err := os.Stat(fsPath); err != nil {
			return errors.Errorf("filesystem.json is required for ssh/telnet/ftp, missing at %s", fsPath)
		}
		d.fsys, err = vfs.Load(fsPath)
		if err != nil {
			return err
		}
	}

	for _, name := range names {
		configPath := filepath.Join(d.configDir, name+"_config.json")
		if _, err := os.Stat(configPath); err != nil {
			return errors.Errorf("configuration file not found for service %q: %s", name, configPath)
		}
		var fsys *vfs.FS
		if filesystemServices[name] {
			fsys = d.fsys
		}
		svc, err := registry[name](configPath, fsys)
		if err != nil {
			return err
		}
		d.services = append(d.services, svc)
	}
	return nil
}

// resolveNames validates the explicit service list, or discovers every
// <name>_config.json present in the config directory.
func (d *Daemon) resolveNames() ([]string, error) {
	if len(d.requested) > 0 {
		names := make([]string, 0, len(d.requested))
		for _, name := range d.requested {
			name = strings.ToLower(strings.TrimSpace(name))
			if _, ok := registry[name]; !ok {
				return nil, errors.Errorf("unsupported service %q, allowed values: %s",
					name, strings.Join(serviceNames, ", "))
			}
			names = append(names, name)
		}
		return names, nil
	}
	var discovered []string
	for _, name := range serviceNames {
		if _, err := os.Stat(filepath.Join(d.configDir, name+"_config.json")); err == nil {
			discovered = append(discovered, name)
		}
	}
	return discovered, nil
}

// Run starts every service, blocks until a shutdown signal (or Stop)
// arrives and then shuts everything down. A single listener failing to
// start aborts the whole runtime.
func (d *Daemon) Run() error {
	if len(d.services) == 0 {
		return errors.New("no services loaded, call Load first")
	}
	var started []service.Service
	for _, svc := range d.services {
		if err := svc.Start(); err != nil {
			d.stop(started)
			return err
		}
		started = append(started, svc)
		fmt.Printf("[+] %s listening on %s\n", strings.ToUpper(svc.Name()), svc.Addr())
	}
	fmt.Println("[+] Honeypot running. Press Ctrl+C to stop.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case received := <-sig:
		logrus.Debugf("received %v, shutting down", received)
	case <-d.quit:
	}

	d.stop(started)
	fmt.Println("[+] Honeypot stopped.")
	return nil
}

// Stop triggers the same path as a shutdown signal. Used by tests and
// embedders; repeated calls are a noop.
func (d *Daemon) Stop() {
	d.quitOnce.Do(func() { close(d.quit) })
}

// stop shuts the services down concurrently.
func (d *Daemon) stop(services []service.Service) {
	var g errgroup.Group
	for _, svc := range services {
		svc := svc
		g.Go(svc.Shutdown)
	}
	if err := g.Wait(); err != nil {
		logrus.Warnf("shutdown: %v", err)
	}
}
