package soundkeep

import (
	_ "embed"
)

// SoundKeepLogoPNG is used for notifications and the Linux tray
//
//go:embed assets/logo.png
var SoundKeepLogoPNG []byte

// SoundKeepLogoICO is used for the Windows tray
//
//go:embed assets/logo.ico
var SoundKeepLogoICO []byte
