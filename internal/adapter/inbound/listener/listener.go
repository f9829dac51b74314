// Package listener implements the inbound side of §4.8: four Unix stream
// sockets, one per dialect, each connection served by a reader/writer
// goroutine pair that funnels decoded requests into a single dispatcher
// (§5's Go realization of "single-threaded cooperative").
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/policyd/policyd/internal/domain/link"
	"github.com/policyd/policyd/pkg/wire"
)

// SocketPaths names the four well-known Unix socket paths (§6).
type SocketPaths struct {
	Client     string
	Admin      string
	Agent      string
	MonitorGet string
	// Mode is the octal file permission applied to each socket after
	// bind (e.g. "0660"). Empty leaves the umask-determined default.
	Mode string
}

// Server owns the four accepting sockets and serves connections until
// the context passed to Serve is cancelled.
type Server struct {
	paths      SocketPaths
	handler    Handler
	resolve    CredentialResolver
	logger     *slog.Logger
	cacheCap   int
	listeners  []net.Listener
	wg         sync.WaitGroup
}

// NewServer returns a Server ready to Serve. resolve may be nil, in which
// case every connection resolves to an empty (client, user) pair.
func NewServer(paths SocketPaths, handler Handler, resolve CredentialResolver, logger *slog.Logger, cacheCapacity int) *Server {
	if resolve == nil {
		resolve = noopCredentials
	}
	return &Server{paths: paths, handler: handler, resolve: resolve, logger: logger, cacheCap: cacheCapacity}
}

type dialectBinding struct {
	path        string
	wireDialect wire.Dialect
	linkDialect link.Dialect
}

// Serve binds all four sockets and accepts connections until ctx is
// cancelled. It returns once every accept loop has exited.
func (s *Server) Serve(ctx context.Context) error {
	bindings := []dialectBinding{
		{s.paths.Client, wire.DialectClient, link.DialectClient},
		{s.paths.Admin, wire.DialectAdmin, link.DialectAdmin},
		{s.paths.Agent, wire.DialectAgent, link.DialectAgent},
		{s.paths.MonitorGet, wire.DialectMonitorGet, link.DialectMonitorGet},
	}

	for _, b := range bindings {
		ln, err := bindUnixSocket(b.path, s.paths.Mode)
		if err != nil {
			s.closeAll()
			return fmt.Errorf("listener: bind %s socket at %s: %w", b.linkDialect, b.path, err)
		}
		s.listeners = append(s.listeners, ln)

		s.wg.Add(1)
		go s.acceptLoop(ctx, ln, b)
	}

	<-ctx.Done()
	s.closeAll()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, b dialectBinding) {
	defer s.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept failed", slog.String("dialect", b.linkDialect.String()), slog.Any("error", err))
			return
		}
		s.logger.Debug("accepted connection", slog.String("dialect", b.linkDialect.String()))
		go serveConn(raw, b.wireDialect, b.linkDialect, s.resolve, s.handler, s.logger, s.cacheCap)
	}
}

func (s *Server) closeAll() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
}

// bindUnixSocket removes any stale socket file left by an unclean
// shutdown, listens, and applies mode if non-empty.
func bindUnixSocket(path, mode string) (net.Listener, error) {
	if path == "" {
		return nil, fmt.Errorf("empty socket path")
	}
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if mode != "" {
		perm, err := strconv.ParseUint(mode, 8, 32)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("parse socket mode %q: %w", mode, err)
		}
		if err := os.Chmod(path, os.FileMode(perm)); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("chmod socket %s: %w", path, err)
		}
	}
	return ln, nil
}
