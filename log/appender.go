package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lcx/kin/config"
)

// LogAppender receives every encoded log line.
type LogAppender interface {
	io.Writer
	// Refresh reopens underlying resources, used after rotation or config changes.
	Refresh()
}

// ConsoleAppender pretty-prints lines to stdout.
type ConsoleAppender struct {
	w zerolog.ConsoleWriter
}

// NewConsoleAppender ...
func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{w: zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05.000"}}
}

func (a *ConsoleAppender) Write(p []byte) (int, error) {
	return a.w.Write(p)
}

// Refresh ...
func (a *ConsoleAppender) Refresh() {}

// FileAppender writes JSON lines to LogPath and rolls the file over once it
// grows past FileSplitMB.
type FileAppender struct {
	mu        sync.Mutex
	path      string
	splitSize int64
	file      *os.File
	size      int64
	logger    *GameLogger
}

// NewFileAppender ...
func NewFileAppender(cfg *LogCfg, logger *GameLogger) *FileAppender {
	a := &FileAppender{logger: logger}
	a.apply(cfg)
	return a
}

// NewFileAppenderWithConfigManager builds the appender from the "logger" config
// currently held by configManager.
func NewFileAppenderWithConfigManager(configManager config.ConfigManager, logger *GameLogger) *FileAppender {
	cfg := getDefaultCfg()
	if c, err := configManager.GetConfig("logger"); err == nil {
		if logCfg, ok := c.(*LogCfg); ok {
			cfg = logCfg
		}
	}
	return NewFileAppender(cfg, logger)
}

func (a *FileAppender) apply(cfg *LogCfg) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.path = cfg.LogPath
	a.splitSize = int64(cfg.FileSplitMB) << 20
	a.closeLocked()
}

func (a *FileAppender) openLocked() error {
	if a.file != nil {
		return nil
	}
	if dir := filepath.Dir(a.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	a.file = f
	a.size = st.Size()
	return nil
}

func (a *FileAppender) closeLocked() {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}

func (a *FileAppender) rotateLocked() {
	a.closeLocked()
	backup := fmt.Sprintf("%s.%s", a.path, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(a.path, backup); err != nil {
		fmt.Fprintf(os.Stderr, "log: rotate %s failed: %v\n", a.path, err)
	}
}

func (a *FileAppender) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.splitSize > 0 && a.size+int64(len(p)) > a.splitSize && a.size > 0 {
		a.rotateLocked()
	}
	if err := a.openLocked(); err != nil {
		return 0, err
	}
	n, err := a.file.Write(p)
	a.size += int64(n)
	return n, err
}

// Refresh closes the current file, the next write reopens it.
func (a *FileAppender) Refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
}

// OnConfigChanged picks up a new path or split size.
func (a *FileAppender) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil
	}
	cfg, ok := newConfig.(*LogCfg)
	if !ok {
		return fmt.Errorf("invalid configuration type for FileAppender")
	}
	a.apply(cfg)
	return nil
}

// Close releases the file handle.
func (a *FileAppender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	return nil
}
