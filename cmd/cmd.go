// Package cmd implements the honeypot command line.
package cmd

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/honeynetd/honeypot/daemon"
)

var (
	configDir   string
	servicesArg string
)

// Root is the honeypot command.
var Root = &cobra.Command{
	Use:   "honeypot",
	Short: "Configurable multi-service honeypot",
	Long: `honeypot impersonates SSH, Telnet, FTP, HTTP, HTTPS and MySQL
servers on a single host, shares one fake filesystem between the
shell-facing services and records every attacker interaction as one
JSON event per line in per-service log files.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(command *cobra.Command, args []string) error {
		d := daemon.New(configDir, parseServices(servicesArg))
		if err := d.Load(); err != nil {
			return err
		}
		return d.Run()
	},
}

func init() {
	flags := Root.Flags()
	flags.StringVar(&configDir, "config-dir", "config", "Directory containing *_config.json files")
	flags.StringVar(&servicesArg, "services", "auto",
		"Comma-separated services to enable (ssh,telnet,ftp,http,https,mysql) or 'auto' to load all available configs")
}

// parseServices turns the --services value into an explicit list, or
// nil for auto-discovery.
func parseServices(value string) []string {
	if value == "" || strings.EqualFold(value, "auto") {
		return nil
	}
	var selected []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			selected = append(selected, item)
		}
	}
	return selected
}

// Main runs the root command and exits non-zero on failure.
func Main() {
	if err := Root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
