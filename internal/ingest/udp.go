package ingest

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
)

// StartUDP listens for datagrams from notification forwarders. A datagram may
// carry several newline-separated records.
func StartUDP(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger) {
	current := cfg.Get().Ingest.UDP
	if !current.Enabled {
		if logger != nil {
			logger.Info("udp ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("udp ingest enabled", "addr", current.Addr)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("udp resolve error", "err", err)
		}
		return
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		if logger != nil {
			logger.Error("udp listen error", "err", err)
		}
		return
	}
	go serveUDP(ctx, conn, cfg, parser, out, logger)
}

func serveUDP(ctx context.Context, conn *net.UDPConn, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger) {
	defer conn.Close()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("udp read error", "err", err)
			}
			continue
		}
		for _, line := range strings.Split(string(buf[:n]), "\n") {
			processLine(ctx, cfg, parser, out, logger, line, "udp")
		}
	}
}
