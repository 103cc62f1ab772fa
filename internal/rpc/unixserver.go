package rpc

import (
	"bufio"
	"context"
	"net"
	"os"

	"github.com/scriptum/daemon/internal/logger"
)

// ListenUnix removes any stale socket file left by an unclean shutdown,
// binds a fresh Unix-domain listener at path, and returns it for the
// caller to Accept on — mirroring
// original_source/crates/daemon/src/startup.rs's bind_socket
// (remove-stale-then-bind is the daemon's readiness signal).
func ListenUnix(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, rmErr
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// ServeUnix accepts connections from ln until it is closed, handling
// each on its own goroutine. It returns once ln.Accept starts failing
// (typically because the listener was closed during shutdown).
func ServeUnix(ln net.Listener, d *Dispatcher) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go serveUnixConn(conn, d)
	}
}

// serveUnixConn services one Unix-socket connection as a sequence of
// newline-delimited JSON-RPC requests, one response line per request —
// the Unix-socket transport's equivalent of the `/rpc` WebSocket's
// one-frame-in-one-frame-out contract.
func serveUnixConn(conn net.Conn, d *Dispatcher) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		response := d.Dispatch(context.Background(), line)
		if _, err := writer.Write(response); err != nil {
			return
		}
		if err := writer.WriteByte('\n'); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug("rpc unix connection read error: %v", err)
	}
}
