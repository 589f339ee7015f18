// Package soundkeep keeps audio render devices awake by streaming silence to them,
// so power management never suspends the device between sounds
package soundkeep

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/MixyLabs/soundkeep/pkg/soundkeep/util"
)

// SoundKeep is the main entity managing all subcomponents
type SoundKeep struct {
	logger     *zap.SugaredLogger
	notifier   *ToastNotifier
	configMan  *ConfigManager
	supervisor *Supervisor

	runningWithTray bool
	version         string
}

func NewSoundKeep(logger *zap.SugaredLogger) (*SoundKeep, error) {
	logger = logger.Named("soundkeep")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	sk := &SoundKeep{
		logger:     logger,
		notifier:   notifier,
		configMan:  config,
		supervisor: NewSupervisor(logger, newDeviceEnumerator, config.Current),
	}

	logger.Debug("Created soundkeep instance")

	return sk, nil
}

// Initialize sets up components and starts to run in the background
func (sk *SoundKeep) Initialize() error {
	sk.logger.Debug("Initializing")

	if err := util.EnsureSingleInstance(appName); err != nil {
		sk.logger.Warnw("Refusing to start a second instance", "error", err)
		return fmt.Errorf("ensure single instance: %w", err)
	}

	// load the config for the first time
	if err := sk.configMan.Load(); err != nil {
		sk.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	sk.notifier.SetEnabled(sk.currConf().Notifications)

	sk.setupInterruptHandler()
	sk.setupOnConfigReload()

	if sk.currConf().DisableTray {
		sk.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		sk.run()
	} else {
		sk.runningWithTray = true
		sk.initializeTray(sk.run)
	}

	return nil
}

// SetVersion causes soundkeep to add a version string to its tray menu if called before Initialize
func (sk *SoundKeep) SetVersion(version string) {
	sk.version = version
}

// ListEndpoints loads the config and reports which render endpoints it would keep alive
func (sk *SoundKeep) ListEndpoints() ([]EndpointStatus, error) {
	if err := sk.configMan.Load(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	return ListEndpoints(sk.logger, newDeviceEnumerator, sk.currConf())
}

func (sk *SoundKeep) currConf() Config {
	return sk.configMan.Current()
}

func (sk *SoundKeep) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		sk.logger.Debugw("Interrupted", "signal", signal)
		sk.signalStop()
	}()
}

func (sk *SoundKeep) setupOnConfigReload() {
	configReloadedChannel := sk.configMan.SubscribeToChanges()

	go func() {
		for range configReloadedChannel {
			sk.logger.Info("Detected config reload, rebuilding keep sessions")

			sk.notifier.SetEnabled(sk.currConf().Notifications)
			sk.supervisor.FireRestart()
		}
	}()
}

func (sk *SoundKeep) run() {
	defer sk.recoverFromPanic()

	sk.logger.Info("Run loop starting")

	go sk.configMan.WatchConfigFileChanges()

	// blocks until a stop is signalled
	exitCode := 0
	if err := sk.supervisor.Main(); err != nil {
		sk.logger.Errorw("Supervisor failed", "error", err)
		sk.notifier.Notify("Can't keep audio devices awake!", "Please check soundkeep's logs for more details.")
		exitCode = 1
	}

	sk.logger.Debug("Supervisor returned, terminating")

	if err := sk.stop(); err != nil {
		sk.logger.Warnw("Failed to stop soundkeep", "error", err)
		exitCode = 1
	}

	os.Exit(exitCode)
}

func (sk *SoundKeep) signalStop() {
	sk.logger.Debug("Signalling supervisor shutdown")
	sk.supervisor.FireShutdown()
}

func (sk *SoundKeep) stop() error {
	sk.logger.Info("Stopping")

	sk.configMan.StopWatchingConfigFile()

	if sk.runningWithTray {
		sk.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = sk.logger.Sync()

	return nil
}
