package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"notifyledger/internal/config"
	"notifyledger/internal/model"
)

// StartFileTail follows notification log files written by local forwarders.
// Entries in files may be glob patterns; they are expanded once at start.
func StartFileTail(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.Candidate, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range expandTailPaths(current.Files) {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := &tailer{
			path:       path,
			startAtEnd: current.StartAtEnd,
			poll:       current.PollInterval,
			emit: func(line string) {
				processLine(ctx, cfg, parser, out, logger, line, "file_tail")
			},
			logger: logger,
		}
		go t.run(ctx)
	}
}

// expandTailPaths resolves glob patterns. Plain paths are kept even when the
// file does not exist yet.
func expandTailPaths(files []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, f := range files {
		matches, err := filepath.Glob(f)
		if err != nil || len(matches) == 0 {
			add(f)
			continue
		}
		for _, m := range matches {
			add(m)
		}
	}
	return out
}

type tailer struct {
	path       string
	startAtEnd bool
	poll       time.Duration
	emit       func(line string)
	logger     *slog.Logger

	file    *os.File
	reader  *bufio.Reader
	offset  int64
	partial []byte
}

func (t *tailer) run(ctx context.Context) {
	defer t.close()
	for {
		if t.file == nil {
			if err := t.open(); err != nil {
				if t.logger != nil {
					t.logger.Warn("tail open failed", "path", t.path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
		}
		if err := t.drain(); err != nil {
			if t.logger != nil {
				t.logger.Warn("tail read error", "path", t.path, "err", err)
			}
			t.close()
			continue
		}
		if !BackoffSleep(ctx, t.poll) {
			return
		}
		if t.truncated() {
			if t.logger != nil {
				t.logger.Info("tail file truncated, reopening", "path", t.path)
			}
			t.close()
			t.startAtEnd = false
		}
	}
}

func (t *tailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	t.offset = 0
	if t.startAtEnd {
		pos, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return err
		}
		t.offset = pos
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.partial = t.partial[:0]
	return nil
}

// drain emits every complete line available. A trailing fragment without a
// newline is held until the writer finishes it.
func (t *tailer) drain() error {
	for {
		chunk, err := t.reader.ReadBytes('\n')
		t.offset += int64(len(chunk))
		if errors.Is(err, io.EOF) {
			t.partial = append(t.partial, chunk...)
			return nil
		}
		if err != nil {
			return err
		}
		if len(t.partial) > 0 {
			chunk = append(t.partial, chunk...)
			t.partial = t.partial[:0]
		}
		t.emit(string(chunk))
	}
}

func (t *tailer) truncated() bool {
	info, err := os.Stat(t.path)
	return err == nil && info.Size() < t.offset
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
	}
	t.file = nil
	t.reader = nil
}
