package main

import (
	"context"
	"errors"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/dawn/internal/answer"
	"github.com/kalambet/dawn/internal/api"
	"github.com/kalambet/dawn/internal/composer"
	"github.com/kalambet/dawn/internal/config"
	"github.com/kalambet/dawn/internal/engine"
	"github.com/kalambet/dawn/internal/executor"
	"github.com/kalambet/dawn/internal/feeds"
	"github.com/kalambet/dawn/internal/memory"
	"github.com/kalambet/dawn/internal/orchestrator"
	"github.com/kalambet/dawn/internal/planner"
	"github.com/kalambet/dawn/internal/reindex"
	"github.com/kalambet/dawn/internal/retrieval"
	"github.com/kalambet/dawn/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dawn server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcpStdio, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcpStdio)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running dawn server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show dawn system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "dawn.pid")
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

// vectorBackend builds the configured vector store. A nil store with a nil
// embedder means keyword-only retrieval.
func vectorBackend(cfg config.Config, store *storage.Store) (retrieval.VectorStore, error) {
	switch cfg.Vector.Backend {
	case "chromem":
		cs, err := retrieval.NewChromemStore(filepath.Join(cfg.Storage.DataDir, "vectors"), cfg.Vector.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem store: %w", err)
		}
		return cs, nil
	case "none":
		return nil, nil
	default:
		return retrieval.NewSQLiteStore(store.DB()), nil
	}
}

func runServer(mcpStdio bool) error {
	fmt.Fprintf(os.Stderr, "dawn version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()})))

	apiToken, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg.Server.Addr) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("dawn is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("dawn is already running on %s", cfg.Server.Addr)
		return fmt.Errorf("server already running on %s", cfg.Server.Addr)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng := engine.WithLimits(engine.NewOllamaEngine(cfg.Ollama.BaseURL), engine.Limits{
		ChatTimeout:  cfg.Ollama.ChatTimeout,
		EmbedTimeout: cfg.Ollama.EmbedTimeout,
		RatePerSec:   cfg.Ollama.RatePerSec,
		Burst:        cfg.Ollama.Burst,
	})
	embedModel := cfg.Ollama.EmbedModel
	if cfg.Vector.Backend == "none" {
		embedModel = ""
	}
	// The model is optional: direct answers and keyword retrieval work
	// without it, so readiness problems only degrade the server.
	if err := engine.EnsureReady(ctx, eng, cfg.Ollama.ChatModel, embedModel, os.Stderr); err != nil {
		slog.Warn("local model unavailable, answers limited to verified metrics and context notes", "error", err)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	vectors, err := vectorBackend(cfg, store)
	if err != nil {
		return err
	}

	var (
		curator   *memory.Curator
		retriever *retrieval.Retriever
	)
	if vectors == nil {
		curator = memory.NewCurator(store, nil, nil)
		retriever = retrieval.NewRetriever(nil, nil, store)
	} else {
		embedder := retrieval.NewEmbedder(eng, cfg.Ollama.EmbedModel)
		curator = memory.NewCurator(store, embedder, vectors)
		retriever = retrieval.NewRetriever(embedder, vectors, store)
	}

	lockPolicy, err := orchestrator.ParseLockPolicy(cfg.Run.LockPolicy)
	if err != nil {
		return err
	}
	feedSvc := feeds.NewService(store, nil)
	resolver := answer.NewResolver(retriever, composer.New(cfg.Run.ContextTokens), eng, cfg.Ollama.ChatModel)
	orch := orchestrator.New(orchestrator.Deps{
		Store:    store,
		Feeds:    feedSvc,
		Planner:  planner.New(planner.Options{MaxSteps: cfg.Run.MaxPlanSteps, CardinalityThreshold: cfg.Run.CardinalityThreshold}),
		Executor: executor.New(time.Now),
		Curator:  curator,
		Resolver: resolver,
	}, orchestrator.Options{LockPolicy: lockPolicy, TopK: cfg.Retrieval.TopK})

	handler := api.NewAppHandler(api.AppDeps{
		Feeds:    feedSvc,
		Analyzer: orch,
		Notes:    curator,
		Store:    store,
		Token:    apiToken,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if vectors != nil {
		worker := reindex.NewWorker(store, curator, 500*time.Millisecond)
		go worker.Run(ctx)
	}

	if mcpStdio {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Feeds:     feedSvc,
			Analyzer:  orch,
			Notes:     curator,
			Retriever: retriever,
			Version:   version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "dawn listening on %s\n", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
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
		printError("dawn is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop dawn (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to dawn (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	base := serverURL(cfg.Server.Addr)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(base + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on %s", cfg.Server.Addr)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	ollamaResp, err := client.Get(cfg.Ollama.BaseURL + "/api/version")
	if err != nil {
		printStatus("Ollama", "not running")
	} else {
		ollamaResp.Body.Close()
		printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
	}

	printStatus("Chat model", "%s", cfg.Ollama.ChatModel)
	printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
	printStatus("Vector store", "%s", cfg.Vector.Backend)

	if running && cfg.Server.APIToken != "" {
		feedsResp, err := apiGet(client, base+"/feeds", cfg.Server.APIToken)
		if err == nil {
			var list []storage.Feed
			if decodeJSON(feedsResp, &list) == nil {
				printStatus("Feeds", "%d", len(list))
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if tenant != "" {
		req.Header.Set(api.TenantHeader, tenant)
	}
	return client.Do(req)
}
