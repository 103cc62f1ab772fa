// Command scriptumd is the local sync daemon: one process per machine,
// speaking the sync WebSocket protocol on /sync, the JSON-RPC protocol
// over a Unix socket and on /rpc, and exposing a loopback-only
// healthz/statusz surface. Startup, shutdown, and config-loading follow
// the teacher's cmd/collab/main.go; the pid file and stale-socket
// handling follow original_source/crates/daemon/src/startup.rs.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"github.com/scriptum/daemon/internal/auth"
	"github.com/scriptum/daemon/internal/catalog"
	"github.com/scriptum/daemon/internal/debughttp"
	"github.com/scriptum/daemon/internal/docmanager"
	"github.com/scriptum/daemon/internal/logger"
	"github.com/scriptum/daemon/internal/recovery"
	"github.com/scriptum/daemon/internal/relay"
	"github.com/scriptum/daemon/internal/rpc"
	"github.com/scriptum/daemon/internal/store"
	"github.com/scriptum/daemon/internal/synchub"
	"github.com/scriptum/daemon/internal/wssession"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Scriptum's sync/RPC sockets only ever take connections from the
		// CLI and editor plugins running on the same machine.
		return true
	},
}

func scriptumHome() string {
	if home := os.Getenv("SCRIPTUM_HOME"); home != "" {
		return home
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("resolve home directory: %v", err)
	}
	return filepath.Join(dir, ".scriptum")
}

// devSessionSecret is used only when SCRIPTUM_SESSION_SECRET is unset, so
// a first run against a fresh $SCRIPTUM_HOME still comes up without any
// config. It is never suitable beyond a single developer's machine, hence
// the warning logged every time it's used.
const devSessionSecret = "scriptum-dev-session-secret-do-not-use-in-production"

func main() {
	home := scriptumHome()
	if err := os.MkdirAll(home, 0o700); err != nil {
		log.Fatalf("create scriptum home %s: %v", home, err)
	}
	godotenv.Load(filepath.Join(home, "daemon.env"))

	secret := os.Getenv("SCRIPTUM_SESSION_SECRET")
	if secret == "" {
		log.Printf("warning: SCRIPTUM_SESSION_SECRET not set, using the built-in dev default — sessions will not be valid across daemon restarts or other machines")
		secret = devSessionSecret
	}

	pidPath := filepath.Join(home, "daemon.pid")
	if err := writePidFile(pidPath); err != nil {
		log.Fatalf("write pid file: %v", err)
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cat, err := catalog.Open(home)
	if err != nil {
		log.Fatalf("open catalog: %v", err)
	}
	docs := docmanager.New()
	wal := store.NewWalRegistry(home)
	snaps, err := store.New(home)
	if err != nil {
		log.Fatalf("open snapshot store: %v", err)
	}

	report, err := recovery.Run(home, docs, cat)
	if err != nil {
		log.Fatalf("recovery: %v", err)
	}
	log.Printf("recovery complete: %+v", report)

	var hub *synchub.Hub
	if redisURL := os.Getenv("SCRIPTUM_REDIS_URL"); redisURL != "" {
		bridge, err := relay.Dial(ctx, redisURL)
		if err != nil {
			log.Fatalf("connect relay: %v", err)
		}
		defer bridge.Close()
		hub = synchub.NewWithRelay(bridge)
	} else {
		hub = synchub.New()
	}

	sessionAuth := auth.New([]byte(secret))
	agents := rpc.NewAgentRegistry()

	sessionDeps := wssession.Deps{
		Auth:    sessionAuth,
		Docs:    docs,
		Hub:     hub,
		Catalog: cat,
		Wal:     wal,
		Snaps:   snaps,
	}
	rpcDeps := rpc.Deps{
		Catalog:  cat,
		Docs:     docs,
		Wal:      wal,
		Snaps:    snaps,
		Agents:   agents,
		Hub:      hub,
		Shutdown: cancel,
	}

	dispatcher := rpc.New()
	rpc.RegisterAll(dispatcher, rpcDeps)

	mux := http.NewServeMux()
	mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("sync websocket upgrade failed: %v", err)
			return
		}
		wssession.New(conn, sessionDeps).Run()
	})
	mux.Handle("/rpc", rpc.WebSocketHandler(dispatcher))

	addr := os.Getenv("SCRIPTUM_LISTEN_ADDR")
	if addr == "" {
		addr = "127.0.0.1:4455"
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	socketPath := filepath.Join(home, "daemon.sock")
	listener, err := rpc.ListenUnix(socketPath)
	if err != nil {
		log.Fatalf("listen on unix socket %s: %v", socketPath, err)
	}

	debugAddr := os.Getenv("SCRIPTUM_DEBUG_ADDR")
	if debugAddr == "" {
		debugAddr = "127.0.0.1:7787"
	}
	debugServer := &http.Server{
		Addr:    debugAddr,
		Handler: debughttp.NewEngine(debughttp.Deps{Catalog: cat, Docs: docs, Hub: hub, Started: time.Now()}),
	}

	go func() {
		log.Printf("scriptumd: sync/rpc websocket listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("websocket server: %v", err)
		}
	}()
	go func() {
		log.Printf("scriptumd: rpc unix socket listening on %s", socketPath)
		if err := rpc.ServeUnix(listener, dispatcher); err != nil {
			logger.Debug("unix socket server stopped: %v", err)
		}
	}()
	go func() {
		log.Printf("scriptumd: debug http listening on %s", debugAddr)
		if err := debugServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("debug http server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done(): // daemon.shutdown
	}
	log.Println("scriptumd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	listener.Close()
	httpServer.Shutdown(shutdownCtx)
	debugServer.Shutdown(shutdownCtx)
	wal.CloseAll()
	cancel()

	log.Println("scriptumd: stopped")
}

func writePidFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}
