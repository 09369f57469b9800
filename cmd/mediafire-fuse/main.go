// mediafire-fuse mounts a MediaFire account as a local filesystem.
//
// Sub-commands:
//
//	mediafire-fuse mount [flags]   Mount the filesystem (default)
//	mediafire-fuse login [flags]   Authenticate and save a session
//	mediafire-fuse logout          Remove the saved session
//	mediafire-fuse version         Print version
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/onenonlycasper/mediafire-fuse/internal/config"
	"github.com/onenonlycasper/mediafire-fuse/internal/fusefs"
	"github.com/onenonlycasper/mediafire-fuse/internal/logging"
	"github.com/onenonlycasper/mediafire-fuse/internal/metrics"
	"github.com/onenonlycasper/mediafire-fuse/internal/mfapi"
	"github.com/onenonlycasper/mediafire-fuse/internal/openfiles"
	"github.com/onenonlycasper/mediafire-fuse/internal/staging"
	"github.com/onenonlycasper/mediafire-fuse/internal/tree"
)

var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "login":
			cmdLogin(os.Args[2:])
			return
		case "logout":
			cmdLogout(os.Args[2:])
			return
		case "version":
			fmt.Printf("mediafire-fuse %s\n", version)
			return
		case "mount":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}

	cmdMount(os.Args[1:])
}

func loadConfig(configPath string) *config.Config {
	var cfg *config.Config
	if configPath != "" {
		c, err := config.FromFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: load config %s: %v\n", configPath, err)
			os.Exit(1)
		}
		cfg = c
	} else {
		cfg = config.FromEnv()
	}
	return cfg
}

func cmdMount(args []string) {
	flags := pflag.NewFlagSet("mount", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "config file path")
	mountPoint := flags.StringP("mount", "m", "", "mount point (overrides config)")
	refresh := flags.Duration("refresh", 0, "freshness window for directory listings (overrides config)")
	metricsAddr := flags.String("metrics", "", "address for Prometheus metrics, e.g. :9090 (overrides config)")
	logLevel := flags.String("log-level", "", "debug, info, warn, error (overrides config)")
	debug := flags.Bool("debug-fuse", false, "log raw FUSE traffic")
	flags.Parse(args)

	cfg := loadConfig(*configPath)
	if *mountPoint != "" {
		cfg.MountPoint = *mountPoint
	}
	if *refresh > 0 {
		cfg.RefreshInterval = *refresh
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	session, err := mfapi.LoadSession(cfg.SessionFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: no saved session (%v). Run 'mediafire-fuse login' first.\n", err)
		os.Exit(1)
	}

	client := mfapi.New(mfapi.Config{BaseURL: cfg.APIBase, Timeout: cfg.HTTPTimeout})
	client.SetSession(session)

	registry := openfiles.NewRegistry()
	dirTree := tree.New(client, registry, cfg.RefreshInterval)
	store, err := staging.NewStore(cfg.StagingDir)
	if err != nil {
		logging.Error("init staging", logging.Err(err))
		os.Exit(1)
	}
	pipeline := staging.NewPipeline(client, cfg.PollInterval)
	fsys := fusefs.New(client, dirTree, registry, store, pipeline)

	restoreTree(dirTree, cfg.StateFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logging.Info("fetching directory hierarchy", zap.String("api", cfg.APIBase))
	if err := dirTree.Refresh(ctx, true); err != nil {
		if dirTree.NodeCount() <= 1 {
			logging.Error("initial hierarchy fetch failed and no saved state", logging.Err(err))
			os.Exit(1)
		}
		logging.Warn("initial hierarchy fetch failed, serving saved state", logging.Err(err))
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	server, err := fsys.Mount(cfg.MountPoint, *debug)
	if err != nil {
		logging.Error("mount failed", logging.Err(err))
		os.Exit(1)
	}
	fsys.StartRefreshLoop(ctx, cfg.RefreshInterval)

	logging.Info("ready", zap.String("mountpoint", cfg.MountPoint))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Info("unmounting")
	fsys.StopRefreshLoop()
	if err := server.Unmount(); err != nil {
		logging.Warn("unmount", logging.Err(err))
	}
	persistTree(dirTree, cfg.StateFile)
	logging.Info("done")
}

// restoreTree warm-starts the tree from the last persisted state. Any
// failure just means a cold start; the first refresh rebuilds everything.
func restoreTree(dirTree *tree.Tree, path string) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("open saved tree state", logging.Err(err))
		}
		return
	}
	defer f.Close()
	if err := dirTree.Restore(f); err != nil {
		logging.Warn("saved tree state unusable, starting cold", logging.Err(err))
		return
	}
	logging.Info("restored tree state", zap.Int("nodes", dirTree.NodeCount()))
}

func persistTree(dirTree *tree.Tree, path string) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		logging.Warn("persist tree state", logging.Err(err))
		return
	}
	defer f.Close()
	if err := dirTree.Persist(f); err != nil {
		logging.Warn("persist tree state", logging.Err(err))
		return
	}
	logging.Info("persisted tree state", zap.Int("nodes", dirTree.NodeCount()))
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logging.Info("serving metrics", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Warn("metrics server stopped", logging.Err(err))
	}
}

func cmdLogin(args []string) {
	flags := pflag.NewFlagSet("login", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "config file path")
	email := flags.String("email", "", "account email (prompted when omitted)")
	flags.Parse(args)

	cfg := loadConfig(*configPath)
	if cfg.AppID == "" || cfg.APIKey == "" {
		fmt.Fprintf(os.Stderr, "Error: app_id and api_key must be set in the config file or MEDIAFIRE_APP_ID/MEDIAFIRE_API_KEY\n")
		os.Exit(1)
	}

	reader := bufio.NewReader(os.Stdin)
	if *email == "" {
		fmt.Print("Email: ")
		line, _ := reader.ReadString('\n')
		*email = strings.TrimSpace(line)
	}

	fmt.Print("Password: ")
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
		os.Exit(1)
	}

	client := mfapi.New(mfapi.Config{BaseURL: cfg.APIBase, Timeout: 30 * time.Second})
	session, err := client.GetSessionToken(context.Background(), *email, string(passwordBytes), cfg.AppID, cfg.APIKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := mfapi.SaveSession(cfg.SessionFile, session); err != nil {
		fmt.Fprintf(os.Stderr, "Error: save session: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Login successful. Session saved to %s\n", cfg.SessionFile)
}

func cmdLogout(args []string) {
	flags := pflag.NewFlagSet("logout", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "config file path")
	flags.Parse(args)

	cfg := loadConfig(*configPath)
	if err := mfapi.DeleteSession(cfg.SessionFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Session removed.")
}
