package soundkeep

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MixyLabs/soundkeep/pkg/soundkeep/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	lock    sync.RWMutex
	current Config
}

type Config struct {
	KeepMode      KeepMode `mapstructure:"keep_mode"`
	IgnoreDevices []string `mapstructure:"ignore_devices"`

	BufferDurationMs  uint `mapstructure:"buffer_duration_ms"`
	WaitTimeoutMs     uint `mapstructure:"wait_timeout_ms"`
	ShutdownTimeoutMs uint `mapstructure:"shutdown_timeout_ms"`

	RetryBackoff struct {
		InitialMs uint `mapstructure:"initial_ms"`
		MaxMs     uint `mapstructure:"max_ms"`
	} `mapstructure:"retry_backoff"`

	DisableTray   bool `mapstructure:"disable_tray"`
	Notifications bool `mapstructure:"notifications"`
}

const (
	userConfigFilepath = "config.yaml"
	userConfigName     = "config"
	userConfigPath     = "."

	configType = "yaml"

	configKeyKeepMode          = "keep_mode"
	configKeyIgnoreDevices     = "ignore_devices"
	configKeyBufferDurationMs  = "buffer_duration_ms"
	configKeyWaitTimeoutMs     = "wait_timeout_ms"
	configKeyShutdownTimeoutMs = "shutdown_timeout_ms"
	configKeyBackoffInitialMs  = "retry_backoff.initial_ms"
	configKeyBackoffMaxMs      = "retry_backoff.max_ms"
	configKeyDisableTray       = "disable_tray"
	configKeyNotifications     = "notifications"

	defaultBufferDurationMs  = 50
	defaultWaitTimeoutMs     = 2000
	defaultShutdownTimeoutMs = 2000
	defaultBackoffInitialMs  = 2000
	defaultBackoffMaxMs      = 5 * 60 * 1000

	minBufferDurationMs = 10
	maxBufferDurationMs = 500
)

// DefaultConfig is what runs when config.yaml is absent
func DefaultConfig() Config {
	c := Config{
		KeepMode:          KeepModeAll,
		IgnoreDevices:     []string{},
		BufferDurationMs:  defaultBufferDurationMs,
		WaitTimeoutMs:     defaultWaitTimeoutMs,
		ShutdownTimeoutMs: defaultShutdownTimeoutMs,
		Notifications:     true,
	}
	c.RetryBackoff.InitialMs = defaultBackoffInitialMs
	c.RetryBackoff.MaxMs = defaultBackoffMaxMs

	return c
}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		current:            DefaultConfig(),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	defaults := DefaultConfig()
	userConfig.SetDefault(configKeyKeepMode, string(defaults.KeepMode))
	userConfig.SetDefault(configKeyIgnoreDevices, defaults.IgnoreDevices)
	userConfig.SetDefault(configKeyBufferDurationMs, defaults.BufferDurationMs)
	userConfig.SetDefault(configKeyWaitTimeoutMs, defaults.WaitTimeoutMs)
	userConfig.SetDefault(configKeyShutdownTimeoutMs, defaults.ShutdownTimeoutMs)
	userConfig.SetDefault(configKeyBackoffInitialMs, defaults.RetryBackoff.InitialMs)
	userConfig.SetDefault(configKeyBackoffMaxMs, defaults.RetryBackoff.MaxMs)
	userConfig.SetDefault(configKeyDisableTray, defaults.DisableTray)
	userConfig.SetDefault(configKeyNotifications, defaults.Notifications)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// a missing file is fine: write out the defaults so there's something to edit and watch
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Infow("Config file not found, writing defaults", "path", userConfigFilepath)

		if err := cc.userConfig.SafeWriteConfigAs(userConfigFilepath); err != nil {
			cc.logger.Warnw("Failed to write default config, running with defaults", "error", err)
		}
	}

	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debug("Still no config file, skipping read")
	} else if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check soundkeep's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())
		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"keepMode", current.KeepMode,
		"ignoreDevices", current.IgnoreDevices,
		"bufferDuration", current.BufferDuration(),
		"retryBackoff", current.RetryBackoff)

	return nil
}

// Current returns a snapshot of the active configuration, safe to use from any goroutine
func (cc *ConfigManager) Current() Config {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	current := cc.current
	current.IgnoreDevices = append([]string(nil), cc.current.IgnoreDevices...)

	return current
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debugw("No user config file to watch", "path", userConfigFilepath)
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write != fsnotify.Write {
			return
		}

		now := time.Now()

		// many editors will write to a file twice
		if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).After(now) {
			return
		}

		cc.logger.Debugw("Config file modified, attempting reload", "event", event)

		// wait a bit to let the editor actually flush the new file contents to disk
		<-time.After(delayBetweenEventAndReload)

		if err := cc.Load(); err != nil {
			cc.logger.Warnw("Failed to reload config file", "error", err)
		} else {
			cc.logger.Info("Reloaded config successfully")
			cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

			cc.onConfigReloaded()
		}

		lastAttemptedReload = now
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	next.KeepMode = KeepMode(strings.ToLower(string(next.KeepMode)))
	if err := next.validate(); err != nil {
		return err
	}

	cc.lock.Lock()
	cc.current = next
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already queued for this consumer
		}
	}
}

func (c Config) validate() error {
	if !c.KeepMode.valid() {
		return fmt.Errorf("%s must be %q or %q, got %q", configKeyKeepMode, KeepModeAll, KeepModeDefault, c.KeepMode)
	}

	if c.BufferDurationMs < minBufferDurationMs || c.BufferDurationMs > maxBufferDurationMs {
		return fmt.Errorf("%s must be between %d and %d", configKeyBufferDurationMs, minBufferDurationMs, maxBufferDurationMs)
	}

	if c.WaitTimeoutMs == 0 || c.ShutdownTimeoutMs == 0 {
		return fmt.Errorf("%s and %s must be positive", configKeyWaitTimeoutMs, configKeyShutdownTimeoutMs)
	}

	if c.RetryBackoff.InitialMs == 0 || c.RetryBackoff.MaxMs < c.RetryBackoff.InitialMs {
		return fmt.Errorf("retry_backoff needs 0 < initial_ms <= max_ms")
	}

	return nil
}

func (c Config) BufferDuration() time.Duration {
	return time.Duration(c.BufferDurationMs) * time.Millisecond
}

func (c Config) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMs) * time.Millisecond
}

func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.RetryBackoff.InitialMs) * time.Millisecond
}

func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.RetryBackoff.MaxMs) * time.Millisecond
}

func (c Config) policy() keepPolicy {
	return newKeepPolicy(c.KeepMode, c.IgnoreDevices)
}

func (c Config) sessionParams() sessionParams {
	return sessionParams{
		bufferDuration: c.BufferDuration(),
		// a healthy stream wakes us every period, so two periods without an event is already suspicious
		waitTimeout:     2 * c.BufferDuration(),
		shutdownTimeout: c.ShutdownTimeout(),
	}
}
