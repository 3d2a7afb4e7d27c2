package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/herald/internal/config"
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

	switch cmd {
	case "system":
		return runSystemNoun(args)
	case "runner":
		return runRunnerNoun(args)
	case "job":
		return runJobNoun(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
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
		fmt.Fprintln(os.Stderr, "Usage: herald version [--json]")
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

	fmt.Printf("herald %s\n", info.Version)
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

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
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
	fmt.Print(`herald - chat-driven remote command execution

Usage:
  herald <noun> <action> [flags]

Nouns:
  system    Origin service (webhook, dispatcher, chat delivery)
  runner    Execution engine for one target host
  job       Job records in the origin store
  config    Configuration validation and integrity

Commands:
  system start [--with-runner]   Start the origin in the foreground
  runner start [--id ID]         Start a runner in the foreground
  job list [--target ID]         List recent jobs
  job inspect <id>               Show one job and its transitions
  job watch                      Live terminal view of jobs
  config check                   Validate the configuration
  config lock                    Record the config BLAKE3 checksum
  config show [path]             Print the resolved config, secrets redacted
  version                        Show version information

Every command accepts --config PATH. Without it the config is discovered from
$HERALD_CONFIG, ~/.config/herald/config.yaml, /etc/herald/config.yaml or
./config.yaml.
`)
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

// nounAction splits args into an action and its arguments, printing help
// when asked. ok is false when the caller should return code.
func nounAction(noun string, actions []string, args []string) (action string, rest []string, code int, ok bool) {
	usage := func(w *os.File) {
		fmt.Fprintf(w, "Usage: herald %s <action>\n", noun)
		fmt.Fprintf(w, "Actions: %s\n", strings.Join(actions, ", "))
	}
	if len(args) < 1 {
		usage(os.Stderr)
		return "", nil, 1, false
	}
	if isHelpToken(args[0]) {
		usage(os.Stdout)
		return "", nil, 0, false
	}
	for _, a := range actions {
		if a == args[0] {
			return a, args[1:], 0, true
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown %s action: %s\n", noun, args[0])
	return "", nil, 1, false
}

func runSystemNoun(args []string) int {
	action, rest, code, ok := nounAction("system", []string{"start"}, args)
	if !ok {
		return code
	}
	switch action {
	case "start":
		if hasHelpFlag(rest) {
			fmt.Println("Usage: herald system start [--config PATH] [--with-runner]")
			fmt.Println("Start the origin: webhook, dispatcher and chat delivery.")
			fmt.Println("--with-runner also runs the engine for runner.id in this process.")
			return 0
		}
		return runSystemStart(rest)
	}
	return 1
}

func runRunnerNoun(args []string) int {
	action, rest, code, ok := nounAction("runner", []string{"start"}, args)
	if !ok {
		return code
	}
	switch action {
	case "start":
		if hasHelpFlag(rest) {
			fmt.Println("Usage: herald runner start [--config PATH] [--id ID]")
			fmt.Println("Start the execution engine for one target host.")
			return 0
		}
		return runRunnerStart(rest)
	}
	return 1
}

func runJobNoun(args []string) int {
	action, rest, code, ok := nounAction("job", []string{"list", "inspect", "watch"}, args)
	if !ok {
		return code
	}
	switch action {
	case "list":
		return runJobList(rest)
	case "inspect":
		return runJobInspect(rest)
	case "watch":
		return runJobWatch(rest)
	}
	return 1
}

func runConfigNoun(args []string) int {
	action, rest, code, ok := nounAction("config", []string{"check", "lock", "show"}, args)
	if !ok {
		return code
	}
	switch action {
	case "check":
		return runConfigCheck(rest)
	case "lock":
		return runConfigLock(rest)
	case "show":
		return runConfigShow(rest)
	}
	return 1
}

// loadConfig loads configPath, discovering it when empty.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}
