package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"time"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
)

const maxStreamLine = 1024 * 1024

// StartTCPStream accepts newline-delimited records from long-lived forwarder
// connections. A connection that stays silent past the idle timeout is closed.
func StartTCPStream(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", current.Addr, "idle_timeout", current.IdleTimeout)
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen error", "err", err)
		}
		return
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go acceptStreams(ctx, ln, current.IdleTimeout, cfg, parser, out, logger)
}

func acceptStreams(ctx context.Context, ln net.Listener, idle time.Duration, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("tcp stream accept error", "err", err)
			}
			if !BackoffSleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		go handleStream(ctx, conn, idle, cfg, parser, out, logger)
	}
}

type streamTally struct {
	lines    int
	accepted int
}

func handleStream(ctx context.Context, conn net.Conn, idle time.Duration, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	var tally streamTally
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), maxStreamLine)
	for {
		if idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(idle))
		}
		if !scanner.Scan() {
			break
		}
		tally.lines++
		if processLine(ctx, cfg, parser, out, logger, scanner.Text(), "tcp_stream") {
			tally.accepted++
		}
	}
	if logger == nil {
		return
	}
	err := scanner.Err()
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		logger.Info("tcp stream idle, closing", "remote", remote)
	case err != nil && ctx.Err() == nil:
		logger.Warn("tcp stream read error", "remote", remote, "err", err)
	}
	logger.Debug("tcp stream closed", "remote", remote, "lines", tally.lines, "accepted", tally.accepted)
}
