package soundkeep

import (
	"os"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/MixyLabs/soundkeep/pkg/soundkeep/util"
)

type recordingNotifier struct {
	lock   sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title string, message string) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) sent() []string {
	n.lock.Lock()
	defer n.lock.Unlock()

	return append([]string(nil), n.titles...)
}

func newTestConfigManager(t *testing.T, contents string) (*ConfigManager, *recordingNotifier) {
	t.Helper()
	t.Chdir(t.TempDir())

	if contents != "" {
		if err := os.WriteFile(userConfigFilepath, []byte(contents), 0o644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
	}

	notifier := &recordingNotifier{}

	cc, err := NewConfig(zaptest.NewLogger(t).Sugar(), notifier)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}

	return cc, notifier
}

func TestConfigLoadWritesDefaults(t *testing.T) {
	cc, notifier := newTestConfigManager(t, "")

	if err := cc.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !util.FileExists(userConfigFilepath) {
		t.Error("Expected a default config file to be written")
	}

	current := cc.Current()
	defaults := DefaultConfig()

	if current.KeepMode != defaults.KeepMode {
		t.Errorf("Expected keep mode %q, got %q", defaults.KeepMode, current.KeepMode)
	}

	if current.BufferDuration() != 50*time.Millisecond {
		t.Errorf("Expected 50ms buffer, got %s", current.BufferDuration())
	}

	if current.BackoffInitial() != 2*time.Second || current.BackoffMax() != 5*time.Minute {
		t.Errorf("Unexpected back-off %s..%s", current.BackoffInitial(), current.BackoffMax())
	}

	if !current.Notifications || current.DisableTray {
		t.Errorf("Unexpected toggles: notifications %v, disable tray %v", current.Notifications, current.DisableTray)
	}

	if len(current.IgnoreDevices) != 0 {
		t.Errorf("Expected empty ignore list, got %v", current.IgnoreDevices)
	}

	if len(notifier.sent()) != 0 {
		t.Errorf("Expected no notifications, got %v", notifier.sent())
	}
}

func TestConfigLoadUserValues(t *testing.T) {
	cc, _ := newTestConfigManager(t, `keep_mode: Default
ignore_devices:
  - HDMI Output
buffer_duration_ms: 100
shutdown_timeout_ms: 750
retry_backoff:
  initial_ms: 1000
  max_ms: 4000
disable_tray: true
`)

	if err := cc.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	current := cc.Current()

	if current.KeepMode != KeepModeDefault {
		t.Errorf("Expected keep mode to be normalized to %q, got %q", KeepModeDefault, current.KeepMode)
	}

	if len(current.IgnoreDevices) != 1 || current.IgnoreDevices[0] != "HDMI Output" {
		t.Errorf("Unexpected ignore list %v", current.IgnoreDevices)
	}

	if !current.DisableTray {
		t.Error("Expected tray to be disabled")
	}

	// keys missing from the file keep their defaults
	if current.WaitTimeout() != 2*time.Second {
		t.Errorf("Expected default wait timeout, got %s", current.WaitTimeout())
	}

	params := current.sessionParams()
	if params.bufferDuration != 100*time.Millisecond || params.waitTimeout != 200*time.Millisecond ||
		params.shutdownTimeout != 750*time.Millisecond {
		t.Errorf("Unexpected session params %+v", params)
	}

	if current.BackoffMax() != 4*time.Second {
		t.Errorf("Expected 4s back-off cap, got %s", current.BackoffMax())
	}

	// snapshots don't share the ignore list
	current.IgnoreDevices[0] = "changed"
	if cc.Current().IgnoreDevices[0] != "HDMI Output" {
		t.Error("Mutating a snapshot changed the active config")
	}
}

func TestConfigLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		title    string
	}{
		{"unknown keep mode", "keep_mode: sometimes\n", "Invalid configuration!"},
		{"buffer too short", "buffer_duration_ms: 1\n", "Invalid configuration!"},
		{"buffer too long", "buffer_duration_ms: 5000\n", "Invalid configuration!"},
		{"back-off cap below initial", "retry_backoff:\n  initial_ms: 5000\n  max_ms: 1000\n", "Invalid configuration!"},
		{"wrong type", "buffer_duration_ms: plenty\n", "Invalid configuration!"},
		{"broken yaml", "keep_mode: [all\n", "Invalid configuration!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cc, notifier := newTestConfigManager(t, tt.contents)

			if err := cc.Load(); err == nil {
				t.Fatal("Expected Load to fail")
			}

			sent := notifier.sent()
			if len(sent) != 1 || sent[0] != tt.title {
				t.Errorf("Expected a %q notification, got %v", tt.title, sent)
			}

			// a rejected file leaves the previous config in place
			if cc.Current().KeepMode != KeepModeAll {
				t.Errorf("Expected defaults to stay active, got %q", cc.Current().KeepMode)
			}
		})
	}
}

func TestConfigReloadNotifiesSubscribers(t *testing.T) {
	cc, _ := newTestConfigManager(t, "")

	first := cc.SubscribeToChanges()
	second := cc.SubscribeToChanges()

	// a slow consumer gets one pending notification, not a blocked watcher
	cc.onConfigReloaded()
	cc.onConfigReloaded()

	for i, consumer := range []chan bool{first, second} {
		select {
		case <-consumer:
		default:
			t.Errorf("Consumer %d was not notified", i)
		}

		select {
		case <-consumer:
			t.Errorf("Consumer %d got more than one pending notification", i)
		default:
		}
	}
}
