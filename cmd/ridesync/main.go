package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ultraride/ridesync/internal/bgsync"
	"github.com/ultraride/ridesync/internal/cache"
	"github.com/ultraride/ridesync/internal/client"
	"github.com/ultraride/ridesync/internal/config"
	"github.com/ultraride/ridesync/internal/progress"
	"github.com/ultraride/ridesync/internal/session"
)

type runOptions struct {
	cfg         *config.Config
	baseURL     string
	email       string
	sessionFile string
	statusAddr  string
	realtime    bool
	once        bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	baseURL := flag.String("base-url", cfg.BaseURL, "ridesync backend base URL")
	email := flag.String("email", cfg.Session.Email, "rider email used when no session is stored")
	sessionFile := flag.String("session-file", cfg.Session.File, "session file path (empty keeps the session in memory)")
	statusAddr := flag.String("status-addr", cfg.StatusAddr, "status server listen address (empty disables it)")
	realtime := flag.Bool("realtime", cfg.RealtimeEnabled, "subscribe to backend change notifications")
	once := flag.Bool("once", false, "sync once, print the reconciled state as JSON and exit")
	flag.Parse()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(rootCtx, runOptions{
		cfg:         cfg,
		baseURL:     *baseURL,
		email:       strings.TrimSpace(*email),
		sessionFile: strings.TrimSpace(*sessionFile),
		statusAddr:  strings.TrimSpace(*statusAddr),
		realtime:    *realtime,
		once:        *once,
	})
	stop()
	if err != nil {
		log.Fatalf("ridesync: %v", err)
	}
}

// run owns every resource it opens and releases them before returning, so main can exit
// on the error without skipping cleanup.
func run(rootCtx context.Context, opts runOptions) error {
	cfg := opts.cfg
	outbox, err := progress.BuildOutboxFromDSN(cfg.Outbox.DSN, cfg.Outbox.Capacity)
	if err != nil {
		return fmt.Errorf("initialize outbox: %w", err)
	}
	var store session.Store
	if opts.sessionFile != "" {
		fileStore, err := session.NewFileStore(opts.sessionFile, log.Default())
		if err != nil {
			return fmt.Errorf("open session file: %w", err)
		}
		store = fileStore
	}

	backend, err := cache.BuildBackendFromDSN(cfg.Cache.DSN)
	if err != nil {
		return fmt.Errorf("initialize cache backend: %w", err)
	}
	defer func() {
		if err := cache.CloseBackend(backend); err != nil {
			log.Printf("close cache backend: %v", err)
		}
	}()

	c := client.New(client.Options{
		BaseURL:         opts.baseURL,
		CacheBackend:    backend,
		CacheNamespace:  cfg.Cache.Namespace,
		SessionStore:    store,
		Outbox:          outbox,
		ProfileInterval: cfg.Sync.ProfileInterval,
		EventsInterval:  cfg.Sync.EventsInterval,
		SyncJitter:      cfg.Sync.Jitter,
		TickTimeout:     cfg.Sync.TickTimeout,
		Realtime:        opts.realtime,
		Logger:          log.Default(),
	})
	defer c.Dispose()

	state, err := c.Init(rootCtx)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	log.Printf("session state: %s", state)
	if state != session.StateAuthenticated && opts.email != "" && cfg.Session.Password != "" {
		if err := c.SignIn(rootCtx, opts.email, cfg.Session.Password); err != nil {
			log.Printf("sign in as %s failed: %v", opts.email, err)
		}
	}

	if opts.once {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.Sync.TickTimeout)
		defer cancel()
		logSyncResult(c.SyncNow(ctx))
		return writeSnapshot(os.Stdout, c.Snapshot(ctx))
	}

	if opts.statusAddr != "" {
		server := &http.Server{
			Addr:              opts.statusAddr,
			Handler:           newStatusRouter(c),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Printf("status server listening on %s", opts.statusAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("status server failed: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(ctx)
		}()
	}

	<-rootCtx.Done()
	log.Printf("ridesync stopping: %v", rootCtx.Err())
	return nil
}

func logSyncResult(result bgsync.Result) {
	if result.Profile != nil {
		log.Printf("profile sync failed: %v", result.Profile)
	}
	if result.Events != nil {
		log.Printf("events sync failed: %v", result.Events)
	}
}

func writeSnapshot(w io.Writer, snap client.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}
