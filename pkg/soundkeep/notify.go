package soundkeep

import (
	"sync/atomic"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications for Windows and desktop notifications on Linux
type ToastNotifier struct {
	logger   *zap.SugaredLogger
	disabled atomic.Bool
}

const appName = "soundkeep"

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	beeep.AppName = appName

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// SetEnabled turns notifications on or off, e.g. after a config reload
func (tn *ToastNotifier) SetEnabled(enabled bool) {
	tn.disabled.Store(!enabled)
}

// Notify sends a toast notification (or falls back to other types of notification for older Windows versions)
func (tn *ToastNotifier) Notify(title string, message string) {
	if tn.disabled.Load() {
		tn.logger.Debugw("Notifications disabled, not sending", "title", title)
		return
	}

	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, SoundKeepLogoPNG); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
