package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestConfig test configuration structure
type TestConfig struct {
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	Host     string `mapstructure:"host"`
	MaxConns int    `mapstructure:"maxConns"`
}

// TestChangeListener test configuration change listener
// This is used to track configuration changes in tests
type TestChangeListener struct {
	mu             sync.Mutex
	ChangeCount    int32
	LastConfig     Config
	LastOldConfig  Config
	LastConfigName string
}

func (c *TestConfig) GetName() string {
	return c.Name
}

func (c *TestConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be positive")
	}
	// Additional validation for specific test scenarios
	if c.Port > 9000 && c.Name == "validation-server" {
		return fmt.Errorf("port %d exceeds maximum allowed value", c.Port)
	}
	return nil
}

// OnConfigChanged implements ConfigChangeListener interface
func (l *TestChangeListener) OnConfigChanged(configName string, newConfig, oldConfig Config) error {
	atomic.AddInt32(&l.ChangeCount, 1)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.LastConfig = newConfig
	l.LastOldConfig = oldConfig
	l.LastConfigName = configName

	// Simple validation to ensure oldConfig is valid
	if oldConfig != nil {
		oldTestConfig, ok := oldConfig.(*TestConfig)
		if !ok {
			return fmt.Errorf("invalid old config type")
		}

		// Ensure name and port are consistent (used in TestAtomicConfigUpdate)
		var expectedPort int
		if n, err := fmt.Sscanf(oldTestConfig.Name, "atomic-server-%d", &expectedPort); n == 1 && err == nil {
			expectedPort += 8080
			if oldTestConfig.Port != expectedPort {
				return fmt.Errorf("config inconsistency in old value")
			}
		}
	}

	return nil
}

// TestNewConfigManager tests creating configuration manager
func TestNewConfigManager(t *testing.T) {
	cm := NewConfigManager()
	if cm == nil {
		t.Fatal("NewConfigManager() returned nil")
	}
}

// TestLoadConfig tests loading configuration
func TestLoadConfig(t *testing.T) {
	// Create temporary configuration file
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test.yaml")

	err := os.WriteFile(configFile, []byte(`
name: "test-server"
port: 8080
host: "localhost"
maxConns: 1000
`), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)

	config := &TestConfig{}
	err = cm.LoadConfig("test", config)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Name != "test-server" {
		t.Errorf("Expected name 'test-server', got '%s'", config.Name)
	}
	if config.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", config.Port)
	}
	if config.MaxConns != 1000 {
		t.Errorf("Expected maxConns 1000, got %d", config.MaxConns)
	}
}

// TestGetConfig tests retrieving configuration
func TestGetConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "app.yaml")

	err := os.WriteFile(configFile, []byte(`
name: "app-server"
port: 9090
host: "127.0.0.1"
maxConns: 500
`), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)

	config := &TestConfig{}
	err = cm.LoadConfig("app", config)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	retrievedConfig, err := cm.GetConfig("app")
	if err != nil {
		t.Fatalf("GetConfig failed: %v", err)
	}

	testConfig, ok := retrievedConfig.(*TestConfig)
	if !ok {
		t.Fatal("GetConfig returned wrong type")
	}

	if testConfig.Name != "app-server" {
		t.Errorf("Expected name 'app-server', got '%s'", testConfig.Name)
	}
}

// TestGetConfigNotFound tests retrieving non-existent configuration
func TestGetConfigNotFound(t *testing.T) {
	cm := NewConfigManager()

	_, err := cm.GetConfig("nonexistent")
	if err == nil {
		t.Error("Expected error for nonexistent config, got nil")
	}
}

// TestConfigValidator tests configuration validation
func TestConfigValidator(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid.yaml")

	// Create invalid configuration
	err := os.WriteFile(configFile, []byte(`
name: ""
port: 70000
host: "localhost"
maxConns: -100
`), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)

	config := &TestConfig{}
	err = cm.LoadConfig("invalid", config)
	if err == nil {
		t.Error("Expected validation error, got nil")
	}
}

// TestConfigChangeListener tests configuration change notification mechanism
func TestConfigChangeListener(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "hook.yaml")

	err := os.WriteFile(configFile, []byte(`
name: "hook-server"
port: 8080
host: "localhost"
maxConns: 100
`), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)

	// Create and register a change listener
	listener := &TestChangeListener{}
	cm.AddChangeListener(listener)

	config := &TestConfig{}
	err = cm.LoadConfig("hook", config)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Update configuration file to trigger config change
	err = os.WriteFile(configFile, []byte(`
name: "hook-server-updated"
port: 9090
host: "localhost"
maxConns: 200
`), 0644)
	if err != nil {
		t.Fatalf("Failed to update config file: %v", err)
	}

	// Wait for file change detection and config reload
	// Increase wait time for Windows file system
	time.Sleep(2 * time.Second)

	// Check if the listener was notified
	if atomic.LoadInt32(&listener.ChangeCount) != 1 {
		t.Errorf("Expected ChangeCount 1, got %d", atomic.LoadInt32(&listener.ChangeCount))
	}

	// Check listener received the correct configuration data
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if listener.LastConfigName != "hook" {
		t.Errorf("Expected LastConfigName 'hook', got '%s'", listener.LastConfigName)
	}

	// Verify the last old config and new config
	if listener.LastOldConfig == nil || listener.LastConfig == nil {
		t.Error("Listener did not receive config objects")
	}

	// Test removing the listener
	cm.RemoveChangeListener(listener)

	// Update configuration file again
	err = os.WriteFile(configFile, []byte(`
name: "hook-server-final"
port: 9191
host: "localhost"
maxConns: 300
`), 0644)
	if err != nil {
		t.Fatalf("Failed to update config file: %v", err)
	}

	// Wait for file change detection
	time.Sleep(2 * time.Second)

	// Verify listener was not notified after removal
	if atomic.LoadInt32(&listener.ChangeCount) != 1 {
		t.Errorf("Expected ChangeCount to remain 1 after listener removal, got %d", atomic.LoadInt32(&listener.ChangeCount))
	}
}

// TestEnvironmentConfig tests environment-specific configuration
func TestEnvironmentConfig(t *testing.T) {
	tmpDir := t.TempDir()
	envDir := filepath.Join(tmpDir, "production")
	os.MkdirAll(envDir, 0755)

	// Create environment-specific configuration
	configFile := filepath.Join(envDir, "env.yaml")
	err := os.WriteFile(configFile, []byte(`
name: "production-server"
port: 80
host: "prod.example.com"
maxConns: 10000
`), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)
	cm.SetEnvironment("production")

	config := &TestConfig{}
	err = cm.LoadConfig("env", config)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.Name != "production-server" {
		t.Errorf("Expected name 'production-server', got '%s'", config.Name)
	}
	if config.Port != 80 {
		t.Errorf("Expected port 80, got %d", config.Port)
	}
}

// TestConfigManagerProvider tests configuration manager provider
func TestConfigManagerProvider(t *testing.T) {
	cm := NewConfigManager()
	provider := NewConfigManagerProvider(cm)

	retrievedCM := provider.GetConfigManager()
	if retrievedCM != cm {
		t.Error("ConfigManagerProvider returned different manager")
	}

	// Test setting new manager
	newCM := NewConfigManager()
	provider.SetConfigManager(newCM)

	if provider.GetConfigManager() != newCM {
		t.Error("SetConfigManager did not update the manager")
	}
}

// TestClose tests closing configuration manager
func TestClose(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "close.yaml")

	err := os.WriteFile(configFile, []byte(`
name: "close-server"
port: 8080
host: "localhost"
maxConns: 100
`), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)

	config := &TestConfig{}
	err = cm.LoadConfig("close", config)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	err = cm.Close()
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

// TestConfigReloadErrorHandling tests error handling during config reload
func TestConfigReloadErrorHandling(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "error-handling.yaml")

	// Initial valid config
	err := os.WriteFile(configFile, []byte(`
name: "error-server"
port: 8080
host: "localhost"
maxConns: 100
`), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)

	config := &TestConfig{}
	err = cm.LoadConfig("error-handling", config)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	// Write invalid YAML to trigger reload error
	err = os.WriteFile(configFile, []byte(`
name: "error-server"
port: invalid-port  # Invalid YAML
host: "localhost"
maxConns: 100
`), 0644)
	if err != nil {
		t.Fatalf("Failed to write invalid config: %v", err)
	}

	// Wait for reload attempt
	time.Sleep(200 * time.Millisecond)

	// Config should still be accessible with original values
	retrievedConfig, err := cm.GetConfig("error-handling")
	if err != nil {
		t.Fatalf("GetConfig failed after invalid reload: %v", err)
	}

	testConfig, ok := retrievedConfig.(*TestConfig)
	if !ok {
		t.Fatal("Retrieved config has wrong type")
	}

	// Should still have original valid values
	if testConfig.Name != "error-server" {
		t.Errorf("Expected name 'error-server', got '%s'", testConfig.Name)
	}
	if testConfig.Port != 8080 {
		t.Errorf("Expected port 8080, got %d", testConfig.Port)
	}
}

// TestConfigReloadWithPartialUpdates tests reload behavior with partial file updates

type durationConfig struct {
	Grace   time.Duration `mapstructure:"grace"`
	Members []string      `mapstructure:"members"`
}

func (c *durationConfig) GetName() string { return "duration" }
func (c *durationConfig) Validate() error { return nil }

// TestLoadConfigDecodeHooks tests duration strings and comma lists decode into typed fields
func TestLoadConfigDecodeHooks(t *testing.T) {
	tmpDir := t.TempDir()
	err := os.WriteFile(filepath.Join(tmpDir, "duration.yaml"), []byte(`
grace: "300ms"
members: "a,b,c"
`), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cm := NewConfigManager()
	cm.SetBasePath(tmpDir)
	defer cm.Close()

	config := &durationConfig{}
	if err := cm.LoadConfig("duration", config); err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if config.Grace != 300*time.Millisecond {
		t.Errorf("Expected grace 300ms, got %v", config.Grace)
	}
	if len(config.Members) != 3 || config.Members[2] != "c" {
		t.Errorf("Expected members [a b c], got %v", config.Members)
	}
}

// TestNotifyConfigChangedContinuesAfterError tests a failing listener does not block the rest
func TestNotifyConfigChangedContinuesAfterError(t *testing.T) {
	cm := NewConfigManager()

	failing := &failingListener{}
	counting := &TestChangeListener{}
	cm.AddChangeListener(failing)
	cm.AddChangeListener(counting)
	cm.AddChangeListener(nil)

	cm.NotifyConfigChanged("x", &TestConfig{Name: "new"}, nil)

	if atomic.LoadInt32(&failing.calls) != 1 {
		t.Errorf("Expected failing listener to be called once, got %d", failing.calls)
	}
	if atomic.LoadInt32(&counting.ChangeCount) != 1 {
		t.Errorf("Expected counting listener to be called once, got %d", counting.ChangeCount)
	}

	cm.RemoveChangeListener(failing)
	cm.NotifyConfigChanged("x", &TestConfig{Name: "newer"}, nil)
	if atomic.LoadInt32(&failing.calls) != 1 {
		t.Errorf("Removed listener was notified")
	}
}

type failingListener struct {
	calls int32
}

func (l *failingListener) OnConfigChanged(string, Config, Config) error {
	atomic.AddInt32(&l.calls, 1)
	return fmt.Errorf("rejected")
}
