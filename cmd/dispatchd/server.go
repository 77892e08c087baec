package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/remfix/dispatchd/internal/api"
	"github.com/remfix/dispatchd/internal/bot"
	"github.com/remfix/dispatchd/internal/config"
	"github.com/remfix/dispatchd/internal/dispatch"
	"github.com/remfix/dispatchd/internal/notify"
	"github.com/remfix/dispatchd/internal/session"
	"github.com/remfix/dispatchd/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram poller and operations API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dispatchd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dispatchd system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dispatchd.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "dispatchd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram token not set; export DISPATCHD_TELEGRAM_TOKEN")
	}
	masters, err := cfg.MasterIDs()
	if err != nil {
		return fmt.Errorf("parsing telegram.masters: %w", err)
	}
	idleTimeout, err := time.ParseDuration(cfg.Session.IdleTimeout)
	if err != nil {
		slog.Warn("invalid session idle timeout, using default 30m", "value", cfg.Session.IdleTimeout, "error", err)
		idleTimeout = 30 * time.Minute
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dispatchd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dispatchd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the order store.
	st, err := store.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
		}
	}()

	sessions := session.NewStore()

	// The bot sends the fan-out messages the coordinator triggers, so
	// it is built first and wired to the coordinator afterwards.
	b, err := bot.New(cfg.Telegram.Token, slog.Default())
	if err != nil {
		return err
	}
	notifier := notify.New(b, masters, slog.Default())
	coord := dispatch.New(dispatch.Config{
		Store:      st,
		Sessions:   sessions,
		Notifier:   notifier,
		Masters:    masters,
		Commission: cfg.Finance.Commission,
		Logger:     slog.Default(),
	})
	b.SetCoordinator(coord)

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Store:      st,
		Token:      cfg.API.Token,
		Commission: cfg.Finance.Commission,
		Logger:     slog.Default(),
	})
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Telegram long-poll loop.
	g.Go(func() error {
		return b.Run(gctx)
	})

	// Operations API.
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "dispatchd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Session janitor: evict dialog state abandoned mid-intake.
	g.Go(func() error {
		ticker := time.NewTicker(idleTimeout)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if n := sessions.PurgeIdle(idleTimeout); n > 0 {
					slog.Debug("purged idle sessions", "count", n)
				}
			}
		}
	})

	// Graceful HTTP shutdown once the group context ends.
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("dispatchd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dispatchd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dispatchd (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Telegram token", tokenState(cfg.Telegram.Token))
	printStatus("Masters", "%s", cfg.Telegram.Masters)
	printStatus("Commission", "%d per order", cfg.Finance.Commission)

	// Show order counts if the server is up and we hold the API token.
	if running && cfg.API.Token != "" {
		statsResp, err := apiGet(client, serverURL+"/stats", cfg.API.Token)
		if err == nil {
			var stats map[string]int
			if json.NewDecoder(statsResp.Body).Decode(&stats) == nil {
				printStatus("Orders", "%d new, %d in progress, %d completed",
					stats["new"], stats["in_progress"], stats["completed"])
			}
			statsResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func tokenState(token string) string {
	if token == "" {
		return "not set"
	}
	return "set"
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
