package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/rendergate/internal/binding"
	"github.com/mattjoyce/rendergate/internal/config"
	"github.com/mattjoyce/rendergate/internal/log"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	if cmd == "--version" {
		return runVersion(args)
	}

	switch cmd {
	// --- NOUNS ---
	case "job":
		return runJobNoun(args)
	case "binding":
		return runBindingNoun(args)
	case "config":
		return runConfigNoun(args)
	case "history":
		return runHistoryNoun(args)

	// --- VERBS ---
	case "serve":
		if hasHelpFlag(args) {
			printServeHelp()
			return 0
		}
		return runServe(args)
	case "watch":
		if hasHelpFlag(args) {
			printWatchHelp()
			return 0
		}
		return runWatch(args)
	case "run": // Alias for job run
		return runJobRun(args)
	case "doctor": // Alias for config check
		return runConfigCheck(args)
	case "version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: rendergate version [--json]")
		return 1
	}

	info := currentVersionInfo()

	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("rendergate %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}

	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	resolvedCommit := strings.TrimSpace(gitCommit)
	if resolvedCommit == "" || resolvedCommit == "unknown" {
		resolvedCommit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if resolvedCommit != "" {
		info.Commit = shortenCommit(resolvedCommit)
	}

	resolvedBuildTime := strings.TrimSpace(buildDate)
	if resolvedBuildTime == "" || resolvedBuildTime == "unknown" {
		resolvedBuildTime = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalizedBuildTime, ok := normalizeBuildTimeUTC(resolvedBuildTime); ok {
		info.BuildTime = normalizedBuildTime
	}

	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}

	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func printUsage() {
	fmt.Print(`rendergate - YAML-configured render job dispatcher

Usage:
  rendergate <noun> <action> [flags]

Core Resources (Nouns):
  job       Render jobs: validate, plan and run
  binding   Scene bindings (scene file + entry script + parameters)
  config    Configuration and integrity
  history   Recorded batches and per-job outcomes

Job Commands:
  job validate      Validate every configured job without rendering
  job plan          Show the exact renderer command line per job
  job run           Run the configured jobs in order

Binding Commands:
  binding list      Show registered bindings and their parameters

Config Commands:
  config check      Validate config, bindings and jobs
  config lock       Write .checksums for the config and its includes

History Commands:
  history list      Show recent batches
  history show <id> Show one batch with its job outcomes

Service:
  serve             Run the read-only status API
  watch             Live terminal view of a running serve instance

General:
  --version         Show version information
  version           Show version information
  help              Show this help message

Use 'rendergate <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "run":
		if hasHelpFlag(actionArgs) {
			printJobRunHelp()
			return 0
		}
		return runJobRun(actionArgs)
	case "plan":
		if hasHelpFlag(actionArgs) {
			printJobPlanHelp()
			return 0
		}
		return runJobPlan(actionArgs)
	case "validate":
		if hasHelpFlag(actionArgs) {
			printJobValidateHelp()
			return 0
		}
		return runJobValidate(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func runBindingNoun(args []string) int {
	if len(args) < 1 {
		printBindingNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printBindingNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printBindingListHelp()
			return 0
		}
		return runBindingList(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown binding action: %s\n", action)
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runHistoryNoun(args []string) int {
	if len(args) < 1 {
		printHistoryNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printHistoryNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		if hasHelpFlag(actionArgs) {
			printHistoryListHelp()
			return 0
		}
		return runHistoryList(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printHistoryShowHelp()
			return 0
		}
		return runHistoryShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown history action: %s\n", action)
		return 1
	}
}

// --- SHARED HELPERS ---

// loadConfigForTool loads configPath, or the discovered config when empty,
// and sets up logging from it.
func loadConfigForTool(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Setup(cfg.Service.LogLevel)
	return cfg, nil
}

func buildRegistry(cfg *config.Config) (*binding.Registry, error) {
	return cfg.BuildRegistry(registryLogger(log.WithComponent("bindings")))
}

func registryLogger(logger *slog.Logger) func(level, msg string, args ...any) {
	return func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "info":
			logger.Info(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		}
	}
}

// splitPositional separates the first bare argument from flags so that
// positionals may appear before or after them. valueFlags names the flags
// that consume the following argument.
func splitPositional(args []string, valueFlags ...string) (string, []string) {
	takesValue := make(map[string]bool, len(valueFlags))
	for _, name := range valueFlags {
		takesValue[name] = true
	}

	var positional string
	var rest []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if strings.HasPrefix(arg, "-") {
			rest = append(rest, arg)
			name := strings.TrimLeft(arg, "-")
			if takesValue[name] && !strings.Contains(name, "=") && i+1 < len(args) {
				i++
				rest = append(rest, args[i])
			}
			continue
		}
		if positional == "" {
			positional = arg
			continue
		}
		rest = append(rest, arg)
	}
	return positional, rest
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: rendergate job <action> [flags]")
	fmt.Fprintln(w, "Actions: validate, plan, run")
}

func printBindingNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: rendergate binding <action> [flags]")
	fmt.Fprintln(w, "Actions: list")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: rendergate config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock")
}

func printHistoryNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: rendergate history <action> [flags]")
	fmt.Fprintln(w, "Actions: list, show")
}

func printJobRunHelp() {
	fmt.Println("Usage: rendergate job run [--config PATH] [--only NAME[,NAME]] [--continue-on-error | --stop-on-error] [--no-history] [--json] [-v]")
	fmt.Println("Runs the configured jobs one at a time. Exits 0 only if every job succeeded.")
}

func printJobPlanHelp() {
	fmt.Println("Usage: rendergate job plan [--config PATH] [--only NAME[,NAME]] [--json]")
	fmt.Println("Shows the renderer command line, device env and frame plan for each job without running anything.")
}

func printJobValidateHelp() {
	fmt.Println("Usage: rendergate job validate [--config PATH] [--only NAME[,NAME]] [--json]")
}

func printBindingListHelp() {
	fmt.Println("Usage: rendergate binding list [--config PATH] [--json]")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: rendergate config check [--config PATH] [--format human|json] [--strict]")
}

func printConfigLockHelp() {
	fmt.Println("Usage: rendergate config lock [--config PATH] [--dry-run] [-v]")
}

func printHistoryListHelp() {
	fmt.Println("Usage: rendergate history list [--config PATH] [--limit N] [--json]")
}

func printHistoryShowHelp() {
	fmt.Println("Usage: rendergate history show <batch_id> [--config PATH] [--json] [-v]")
}

func printServeHelp() {
	fmt.Println("Usage: rendergate serve [--config PATH] [--listen ADDR]")
	fmt.Println("Serves GET /healthz, /bindings, /bindings/{name}, /batches and /batches/{id}.")
	fmt.Println("With notify.nats_url set, GET /events streams job outcomes as server-sent events.")
}
