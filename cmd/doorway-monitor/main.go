// Command doorway-monitor is a terminal dashboard for a running doorway
// service.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	var (
		addr     string
		interval time.Duration
		opts     clientOptions
	)

	flag.StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the doorway API")
	flag.DurationVar(&interval, "interval", 2*time.Second, "Poll interval")
	flag.BoolVar(&opts.HTTP3, "http3", false, "Use HTTP/3 (addr must be the https:// QUIC endpoint)")
	flag.BoolVar(&opts.Insecure, "insecure", false, "Skip TLS certificate verification")
	flag.Parse()

	if interval <= 0 {
		fmt.Fprintln(os.Stderr, "interval must be positive")
		os.Exit(1)
	}

	client := newAPIClient(addr, interval, opts)
	defer client.close()

	p := tea.NewProgram(newModel(client, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Monitor error: %v\n", err)
		os.Exit(1)
	}
}
