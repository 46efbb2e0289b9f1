package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/rendergate/internal/tui/watch"
)

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory (for api.listen and api.token)")
	apiURL := fs.String("api-url", "", "Status API URL (default: derived from api.listen)")
	token := fs.String("token", os.Getenv("RENDERGATE_API_TOKEN"), "API bearer token (or RENDERGATE_API_TOKEN env var)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	url, tok, err := watchTarget(*configPath, *apiURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve API address: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := watch.New(ctx, watch.NewClient(url, tok))
	if _, err := tea.NewProgram(m, tea.WithContext(ctx)).Run(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// watchTarget resolves the API URL and token. Flags win; otherwise both come
// from the config that serve would load.
func watchTarget(configPath, apiURL, token string) (string, string, error) {
	if apiURL != "" && token != "" {
		return apiURL, token, nil
	}
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		if apiURL != "" {
			return apiURL, token, nil
		}
		return "", "", err
	}
	if token == "" {
		token = cfg.API.Token
	}
	if apiURL == "" {
		apiURL, err = listenURL(cfg.API.Listen)
		if err != nil {
			return "", "", err
		}
	}
	return apiURL, token, nil
}

// listenURL turns a listen address into a URL a local client can dial.
func listenURL(listen string) (string, error) {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("api.listen %q: %w", listen, err)
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func printWatchHelp() {
	fmt.Println("Usage: rendergate watch [--config PATH] [--api-url URL] [--token TOKEN]")
	fmt.Println()
	fmt.Println("Live view of a running 'rendergate serve': job outcomes per batch and")
	fmt.Println("batch totals, streamed from GET /events (requires notify.nats_url on the server).")
	fmt.Println()
	fmt.Println("Keybindings:")
	fmt.Println("  q, Ctrl+C        Quit")
	fmt.Println("  ←/→, h/l         Select batch")
	fmt.Println("  f                Follow the newest batch")
	fmt.Println("  ↑/↓, k/j         Scroll jobs")
	fmt.Println("  PgUp/PgDn        Scroll the outcome stream")
}
