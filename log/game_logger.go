package log

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lcx/kin/config"
)

// GameLogger provides a thread-safe logging interface with configurable appenders.
// Lines are encoded by zerolog and fanned out to every registered appender.
//
// Key features include:
// - Lock-free level check on the logging path
// - Configurable appenders (console, file, custom writers)
// - Optional caller information
// - Hot-reload support for dynamic configuration changes without service restart
//
// Example usage:
// ```
//
//	logger := NewLogger(&LogCfg{
//	    LogLevel:        InfoLevel,
//	    ConsoleAppender: true,
//	})
//
// logger.Info().Str("module", "server").Int("connections", 42).Msg("Server started successfully")
// ```
type GameLogger struct {
	appendersMu       sync.RWMutex
	appenders         []LogAppender        // Collection of appenders responsible for log output
	minLevel          atomic.Uint32        // Minimum log level that will be processed
	callerSkip        atomic.Int32         // Number of stack frames to skip when capturing caller information
	enabledCallerInfo atomic.Bool          // Flag indicating whether caller information should be captured
	zl                zerolog.Logger       // Encoder writing into the appenders
	eventPool         sync.Pool            // Object pool for LogEvent wrappers
	configManager     config.ConfigManager // Configuration manager for hot-reload support
	configMutex       sync.RWMutex         // Mutex for thread-safe configuration updates
	currentConfig     *LogCfg              // Current configuration for fast access
}

// NewLogger creates a new GameLogger instance with the provided configuration.
// If cfg is nil, it uses default configuration values from getDefaultCfg().
func NewLogger(cfg *LogCfg) *GameLogger {
	if cfg == nil {
		cfg = getDefaultCfg()
	}

	logger := &GameLogger{currentConfig: cfg}
	logger.minLevel.Store(uint32(cfg.LogLevel))
	logger.callerSkip.Store(int32(cfg.CallerSkip))
	logger.enabledCallerInfo.Store(cfg.EnabledCallerInfo)
	logger.zl = zerolog.New(logger).With().Timestamp().Logger()
	logger.eventPool.New = func() any { return &LogEvent{logger: logger} }

	// Configure appenders based on configuration
	if cfg.FileAppender {
		logger.AddAppender(NewFileAppender(cfg, logger))
	}

	if cfg.ConsoleAppender {
		logger.AddAppender(NewConsoleAppender())
	}

	return logger
}

// NewLoggerWithConfigManager creates a new GameLogger instance with configuration manager support.
// This enables hot-reload functionality for dynamic configuration changes without service restart.
func NewLoggerWithConfigManager(cfg *LogCfg, configManager config.ConfigManager) *GameLogger {
	logger := NewLogger(cfg)
	logger.configManager = configManager

	// Register as configuration change listener for hot-reload
	if configManager != nil {
		configManager.AddChangeListener(logger)
	}

	return logger
}

// Write fans an encoded line out to the appenders. It is the zerolog sink.
func (x *GameLogger) Write(p []byte) (int, error) {
	x.appendersMu.RLock()
	defer x.appendersMu.RUnlock()
	for _, appender := range x.appenders {
		_, _ = appender.Write(p)
	}
	return len(p), nil
}

// OnConfigChanged implements ConfigChangeListener interface for hot-reload support.
func (x *GameLogger) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "logger" {
		return nil // Ignore non-logger configuration changes
	}

	newLogCfg, ok := newConfig.(*LogCfg)
	if !ok {
		return nil
	}

	x.updateConfig(newLogCfg)

	// Notify all appenders about configuration change
	x.appendersMu.RLock()
	appenders := append([]LogAppender(nil), x.appenders...)
	x.appendersMu.RUnlock()
	for _, appender := range appenders {
		if listener, ok := appender.(config.ConfigChangeListener); ok {
			if err := listener.OnConfigChanged(configName, newConfig, oldConfig); err != nil {
				x.Error().Err(err).Msg("Failed to notify appender about config change")
			}
		}
	}

	return nil
}

// updateConfig applies level and caller settings.
func (x *GameLogger) updateConfig(newCfg *LogCfg) {
	x.configMutex.Lock()
	defer x.configMutex.Unlock()

	x.minLevel.Store(uint32(newCfg.LogLevel))
	x.callerSkip.Store(int32(newCfg.CallerSkip))
	x.enabledCallerInfo.Store(newCfg.EnabledCallerInfo)
	x.currentConfig = newCfg

	// Refresh appenders to apply new configuration
	x.Refresh()
}

// GetCurrentConfig returns the current logger configuration.
func (x *GameLogger) GetCurrentConfig() *LogCfg {
	x.configMutex.RLock()
	defer x.configMutex.RUnlock()
	return x.currentConfig
}

// SetLevel changes the minimum level at runtime.
func (x *GameLogger) SetLevel(level Level) {
	x.minLevel.Store(uint32(level))
}

func (x *GameLogger) checkLevel(level Level) bool {
	return Level(x.minLevel.Load()) <= level
}

// AddAppender adds a new log appender to the logger.
func (x *GameLogger) AddAppender(appender LogAppender) {
	x.appendersMu.Lock()
	defer x.appendersMu.Unlock()
	x.appenders = append(x.appenders, appender)
}

// GetAppender returns the list of appenders currently registered with the logger.
func (x *GameLogger) GetAppender() []LogAppender {
	x.appendersMu.RLock()
	defer x.appendersMu.RUnlock()
	return append([]LogAppender(nil), x.appenders...)
}

// Refresh triggers a refresh operation on all registered appenders.
func (x *GameLogger) Refresh() {
	for _, appender := range x.GetAppender() {
		appender.Refresh()
	}
}

// IgnoreCheckLevel always returns false for GameLogger.
func (x *GameLogger) IgnoreCheckLevel() bool {
	return false
}

// OnEventEnd returns the event to the pool. Fatal events panic after being written.
func (x *GameLogger) OnEventEnd(e *LogEvent) {
	level := e.level
	e.ev = nil
	x.eventPool.Put(e)

	if level == FatalLevel {
		panic("fatal log")
	}
}

func (x *GameLogger) Debug() *LogEvent { return x.log(DebugLevel) }
func (x *GameLogger) Info() *LogEvent  { return x.log(InfoLevel) }
func (x *GameLogger) Warn() *LogEvent  { return x.log(WarnLevel) }
func (x *GameLogger) Error() *LogEvent { return x.log(ErrorLevel) }

// Fatal logs and then panics once Msg is called.
func (x *GameLogger) Fatal() *LogEvent { return x.log(FatalLevel) }

// Trace is below Debug and disabled by default.
func (x *GameLogger) Trace() *LogEvent { return x.log(TraceLevel) }

// log returns nil when level is filtered out, which turns the whole chain into no-ops.
func (x *GameLogger) log(level Level) *LogEvent {
	if !x.IgnoreCheckLevel() && !x.checkLevel(level) {
		return nil
	}

	// WithLevel never exits the process, fatal handling stays in OnEventEnd
	ev := x.zl.WithLevel(level.zerolog())
	if ev == nil {
		return nil
	}
	if x.enabledCallerInfo.Load() {
		ev = ev.Caller(2 + int(x.callerSkip.Load()))
	}

	e := x.eventPool.Get().(*LogEvent)
	e.ev = ev
	e.level = level
	return e
}
