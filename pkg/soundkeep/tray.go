package soundkeep

import (
	"fmt"

	"fyne.io/systray"

	"github.com/MixyLabs/soundkeep/pkg/soundkeep/util"
)

func (sk *SoundKeep) initializeTray(onDone func()) {
	logger := sk.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		icon := SoundKeepLogoICO
		if util.Linux() {
			icon = SoundKeepLogoPNG
		}

		systray.SetTemplateIcon(icon, icon)
		systray.SetTitle(appName)
		systray.SetTooltip(appName)

		keptInfo := systray.AddMenuItem("No devices kept awake", "")
		keptInfo.Disable()

		restart := systray.AddMenuItem("Restart keep-alive", "Re-scan audio devices and reopen every stream")
		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with notepad")

		if sk.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(sk.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop keeping devices awake and quit")

		sk.supervisor.OnSessionsChanged(func(kept []string) {
			status := fmt.Sprintf("Keeping %d device(s) awake", len(kept))
			if len(kept) == 0 {
				status = "No devices kept awake"
			}

			keptInfo.SetTitle(status)
			systray.SetTooltip(fmt.Sprintf("%s - %s", appName, status))
		})

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					sk.signalStop()

				case <-restart.ClickedCh:
					logger.Info("Restart menu item clicked, rebuilding keep sessions")

					sk.supervisor.FireRestart()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						editor = "xdg-open"
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		go onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (sk *SoundKeep) stopTray() {
	sk.logger.Debug("Quitting tray")
	systray.Quit()
}
