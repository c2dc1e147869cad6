// Honeypot is a configurable multi-protocol honeypot: it impersonates
// SSH, Telnet, FTP, HTTP, HTTPS and MySQL servers on a single host and
// records every attacker interaction as structured JSON events.
package main

import "github.com/honeynetd/honeypot/cmd"

func main() {
	cmd.Main()
}
