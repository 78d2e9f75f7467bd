package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tabgrove/spacesync/internal/httpapi"
	"github.com/tabgrove/spacesync/internal/spacesync"
)

func main() {
	addr := os.Getenv("SPACESYNC_ADDR")
	if addr == "" {
		addr = ":8620"
	}
	stateBackend, stateFile, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	logger := log.New(os.Stderr, "spacesyncd ", log.LstdFlags)
	store := spacesync.NewStore(spacesync.StoreOptions{
		Backend:         stateBackend,
		StateFile:       stateFile,
		Logger:          logger,
		DebounceWindow:  durationEnv("SPACESYNC_DEBOUNCE_WINDOW", 0),
		QueueCapacity:   intEnv("SPACESYNC_QUEUE_CAPACITY", 0),
		MaxSaveAttempts: intEnv("SPACESYNC_MAX_SAVE_ATTEMPTS", 0),
		SaveRetryDelay:  durationEnv("SPACESYNC_SAVE_RETRY_DELAY", 0),
		MaxNameLength:   intEnv("SPACESYNC_MAX_NAME_LENGTH", 0),
	})
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	if err := store.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}

	go store.RunEvents(ctx)

	if stateFile != "" {
		go func() {
			err := spacesync.WatchStateFile(ctx, stateFile, logger, func() {
				if err := store.Reload(context.Background()); err != nil {
					logger.Printf("reload after external state change: %v", err)
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Printf("state watch stopped: %v", err)
			}
		}()
	}

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		RateLimitMax:    intEnv("SPACESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("SPACESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("SPACESYNC_MAX_BODY_BYTES", 0),
	})
	httpServer := &http.Server{Addr: addr, Handler: server}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	case <-ctx.Done():
	}

	// Flush pending debounced work before the HTTP listener goes away so a
	// SIGTERM never discards accepted mutations.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), durationEnv("SPACESYNC_SHUTDOWN_TIMEOUT", 10*time.Second))
	defer cancel()
	if err := store.HandleShutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown flush: %v", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

// buildStateBackendFromEnv resolves the persistence layer. Precedence is the
// explicit DSN, then the state file path, then the backend profile. The
// returned path is non-empty only for file-backed state, where it also feeds
// the external change watcher.
func buildStateBackendFromEnv() (spacesync.StateBackend, string, error) {
	profileDSN, err := backendProfileDefaultFromEnv()
	if err != nil {
		return nil, "", err
	}
	dsn := strings.TrimSpace(os.Getenv("SPACESYNC_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("SPACESYNC_STATE_FILE"))
	switch {
	case dsn != "":
		backend, err := spacesync.BuildStateBackendFromDSN(dsn)
		return backend, fileDSNPath(dsn), err
	case stateFile != "":
		backend, err := spacesync.BuildStateBackendFromDSN(stateFile)
		return backend, stateFile, err
	case profileDSN != "":
		backend, err := spacesync.BuildStateBackendFromDSN(profileDSN)
		return backend, fileDSNPath(profileDSN), err
	default:
		return nil, "", nil
	}
}

func backendProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("SPACESYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("SPACESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".spacesync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("SPACESYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("SPACESYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("SPACESYNC_PRODUCTION_DSN or SPACESYNC_POSTGRES_DSN is required when SPACESYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	default:
		return "", fmt.Errorf("unsupported SPACESYNC_BACKEND_PROFILE: %s", profile)
	}
}

// fileDSNPath extracts a watchable path from a file DSN; other schemes have
// nothing to watch.
func fileDSNPath(dsn string) string {
	if strings.HasPrefix(dsn, "file://") {
		return strings.TrimPrefix(dsn, "file://")
	}
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	return ""
}
