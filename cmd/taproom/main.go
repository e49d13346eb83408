package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/taproom/internal/config"
	"github.com/mattjoyce/taproom/internal/doctor"
	"github.com/mattjoyce/taproom/internal/events"
	"github.com/mattjoyce/taproom/internal/log"
	"github.com/mattjoyce/taproom/internal/plugin"
	"github.com/mattjoyce/taproom/internal/telemetry"
	"github.com/mattjoyce/taproom/internal/tui/watch"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// EnvConfig names the config file used when --config is not given.
const EnvConfig = "TAPROOM_CONFIG"

const tracingShutdownTimeout = 5 * time.Second

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
	case "plugin":
		return runPluginNoun(args)
	case "config":
		return runConfigNoun(args)
	case "manifest":
		return runManifestNoun(args)
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
		fmt.Fprintln(os.Stderr, "Usage: taproom version [--json]")
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

	fmt.Printf("taproom %s\n", info.Version)
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
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
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
	fmt.Print(`taproom - plugin runtime for queue-driven command execution

Usage:
  taproom <noun> <action> [flags]

Plugin Commands:
  plugin run        Consume the request and admin queues in the foreground
  plugin watch      Live dashboard for a running plugin's ops API

Config Commands:
  config check      Validate the configuration and print its fingerprint

Manifest Commands:
  manifest show     List the commands this plugin serves

General:
  version           Show version information
  help              Show this help message

Every action accepts --config <path> (default $TAPROOM_CONFIG or ./config.yaml).
`)
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func defaultConfigPath() string {
	if v := os.Getenv(EnvConfig); v != "" {
		return v
	}
	return "config.yaml"
}

func runPluginNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: taproom plugin <run|watch> [flags]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "run":
		return runPlugin(args[1:])
	case "watch":
		return runPluginWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", args[0])
		return 1
	}
}

// EnvAPIToken supplies the ops API bearer token to plugin watch.
const EnvAPIToken = "TAPROOM_API_TOKEN"

func runPluginWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Take the API address and token from this configuration")
	apiURL := fs.String("api-url", "", "Ops API URL (default http://127.0.0.1:8081)")
	token := fs.String("token", os.Getenv(EnvAPIToken), "Ops API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	url, tok, err := watchTarget(*configPath, *apiURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(url, tok))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

// watchTarget resolves the API address. Explicit flags win over config.
func watchTarget(configPath, apiURL, token string) (string, string, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to load config: %w", err)
		}
		if !cfg.API.Enabled {
			return "", "", fmt.Errorf("api is not enabled in %s", configPath)
		}
		if apiURL == "" {
			apiURL = "http://" + cfg.API.Listen
		}
		if token == "" {
			token = cfg.API.Token
		}
	}
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8081"
	}
	return apiURL, token, nil
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: taproom config check [--config <path>] [--json]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runManifestNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Println("Usage: taproom manifest show [--config <path> | --manifest <path>] [--json]")
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "show":
		return runManifestShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown manifest action: %s\n", args[0])
		return 1
	}
}

// loadManifest returns the configured manifest, or the built-in one.
func loadManifest(path string) (*plugin.Manifest, error) {
	if path == "" {
		return plugin.ParseManifest([]byte(builtinManifest))
	}
	return plugin.LoadManifest(path)
}

func runPlugin(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("taproom starting", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, cfg.Service.Name, version, func(err error) {
		logger.Warn("tracing export failed", "error", err)
	})
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		return 1
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), tracingShutdownTimeout)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	manifest, err := loadManifest(cfg.Plugin.Manifest)
	if err != nil {
		logger.Error("failed to load manifest", "path", cfg.Plugin.Manifest, "error", err)
		return 1
	}
	if !strings.EqualFold(manifest.Name, cfg.Plugin.Name) {
		logger.Warn("manifest describes a different system", "manifest", manifest.Name, "plugin", cfg.Plugin.Name)
	}

	cmds := &builtins{}
	registry, err := manifest.Registry(cmds.handlers())
	if err != nil {
		logger.Error("failed to bind manifest commands", "error", err)
		return 1
	}

	p, err := plugin.New(ctx, plugin.Options{
		Config:   cfg,
		Registry: registry,
		Hub:      events.NewHub(256),
		Logger:   log.Get(),
	})
	if err != nil {
		logger.Error("failed to assemble plugin", "error", err)
		return 1
	}
	cmds.plugin = p

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	logger.Info("taproom running (press Ctrl+C to stop)",
		"request_queue", cfg.RequestQueue(),
		"admin_queue", cfg.AdminQueue(),
	)
	if err := p.Run(ctx); err != nil {
		logger.Error("plugin stopped with error", "error", err)
		return 1
	}
	logger.Info("taproom stopped")
	return 0
}

type configCheckResult struct {
	Valid        bool           `json:"valid"`
	Path         string         `json:"path"`
	Fingerprint  string         `json:"fingerprint,omitempty"`
	System       string         `json:"system,omitempty"`
	RequestQueue string         `json:"request_queue,omitempty"`
	AdminQueue   string         `json:"admin_queue,omitempty"`
	Commands     int            `json:"commands,omitempty"`
	Error        string         `json:"error,omitempty"`
	Report       *doctor.Result `json:"report,omitempty"`
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output the result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	res := checkConfig(*configPath)
	switch {
	case *jsonOut:
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(data))
	case res.Report != nil:
		out := os.Stdout
		if !res.Valid {
			out = os.Stderr
		}
		fmt.Fprint(out, doctor.FormatHuman(res.Report))
		if res.Valid {
			fmt.Printf("path: %s\n", res.Path)
			fmt.Printf("fingerprint: %s\n", res.Fingerprint)
			fmt.Printf("system: %s\n", res.System)
			fmt.Printf("request_queue: %s\n", res.RequestQueue)
			fmt.Printf("admin_queue: %s\n", res.AdminQueue)
			fmt.Printf("commands: %d\n", res.Commands)
		}
	default:
		fmt.Fprintf(os.Stderr, "Configuration invalid: %s\n", res.Error)
	}
	if !res.Valid {
		return 1
	}
	return 0
}

func checkConfig(path string) configCheckResult {
	res := configCheckResult{Path: path}
	cfg, err := config.Load(path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	manifest, err := loadManifest(cfg.Plugin.Manifest)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	fingerprintPath := path
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		fingerprintPath = filepath.Join(path, "config.yaml")
	}
	fp, err := config.Fingerprint(fingerprintPath)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Report = doctor.New(cfg, manifest, (&builtins{}).handlers()).Validate()
	res.Valid = res.Report.Valid
	res.Fingerprint = fp
	res.System = cfg.Plugin.Name
	res.RequestQueue = cfg.RequestQueue()
	res.AdminQueue = cfg.AdminQueue()
	res.Commands = len(manifest.Commands)
	return res
}

func runManifestShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Read the manifest path from this configuration")
	manifestPath := fs.String("manifest", "", "Path to a manifest file")
	jsonOut := fs.Bool("json", false, "Output the manifest as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *configPath != "" && *manifestPath != "" {
		fmt.Fprintln(os.Stderr, "--config and --manifest are mutually exclusive")
		return 1
	}

	path := *manifestPath
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		path = cfg.Plugin.Manifest
	}

	manifest, err := loadManifest(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load manifest: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render manifest JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("%s %s\n", manifest.Name, manifest.Version)
	if manifest.Description != "" {
		fmt.Println(manifest.Description)
	}
	fmt.Println()
	if err := printCommands(manifest); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to print commands: %v\n", err)
		return 1
	}
	return 0
}

func printCommands(m *plugin.Manifest) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COMMAND\tTYPE\tOUTPUT\tPARAMETERS\tDESCRIPTION")
	for _, c := range m.Commands {
		keys := make([]string, 0, len(c.Parameters))
		for _, p := range c.Parameters {
			keys = append(keys, p.Key)
		}
		params := strings.Join(keys, ",")
		if params == "" {
			params = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.Name, c.CommandType, c.OutputType, params, c.Description)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush command table: %w", err)
	}
	return nil
}
