// Package logging builds the process slog.Logger from config.LogConfig.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lryan599/grageng/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the configured logger plus the file it may be writing to.
type Logger struct {
	*slog.Logger

	file      *lumberjack.Logger
	stop      chan struct{}
	closeOnce sync.Once
	done      sync.WaitGroup
}

// New returns a logger writing to stdout and, when cfg enables it, to a
// rotating log file.
func New(cfg *config.Config) (*Logger, error) {
	return newLogger(cfg, os.Stdout, time.Now)
}

func newLogger(cfg *config.Config, stdout io.Writer, now func() time.Time) (*Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	l := &Logger{stop: make(chan struct{})}
	w := stdout
	if path := cfg.LogFilePath(); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		l.file = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			LocalTime:  true,
		}
		w = io.MultiWriter(stdout, l.file)

		l.done.Add(1)
		go func() {
			defer l.done.Done()
			rotateDaily(l.file, now, l.stop)
		}()
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		l.Logger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		l.Logger = slog.New(slog.NewTextHandler(w, opts))
	}
	return l, nil
}

// Close stops rotation and closes the log file. It is safe to call twice.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.stop)
		l.done.Wait()
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

type rotator interface {
	Rotate() error
}

// rotateDaily rotates r at every local midnight until stop is closed.
func rotateDaily(r rotator, now func() time.Time, stop <-chan struct{}) {
	for {
		t := now()
		timer := time.NewTimer(nextMidnight(t).Sub(t))
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			if err := r.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "rotate log file: %v\n", err)
			}
		}
	}
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
