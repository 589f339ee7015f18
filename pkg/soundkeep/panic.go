package soundkeep

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/MixyLabs/soundkeep/pkg/soundkeep/util"
)

const (
	crashlogFilename        = "soundkeep-crash-%s.log"
	crashlogTimestampFormat = "2006.01.02-15.04.05"

	crashMessage = `-----------------------------------------------------------------
                      soundkeep crashlog
-----------------------------------------------------------------
Unfortunately, soundkeep has crashed and your audio devices are
no longer being kept awake.
To help diagnose the issue, a crashlog has been generated.
-----------------------------------------------------------------
Time: %s
Panic occurred: %v
Kept endpoints:
  %s
Stack trace:
%s
-----------------------------------------------------------------
`
)

func (sk *SoundKeep) recoverFromPanic() {
	r := recover()

	if r == nil {
		return
	}

	crashlogPath, err := writeCrashlog(logDirectory, time.Now(), r, sk.supervisor.Sessions(), debug.Stack())
	if err != nil {
		panic(err)
	}

	sk.logger.Errorw("Encountered and logged panic, crashing",
		"crashlogPath", crashlogPath,
		"error", r)

	sk.notifier.Notify("Unexpected crash occurred...",
		fmt.Sprintf("More details in %s", crashlogPath))

	sk.logger.Errorw("Quitting", "exitCode", 1)
	_ = sk.logger.Sync()
	os.Exit(1)
}

// writeCrashlog records a panic and the endpoints that were being kept alive when it happened
func writeCrashlog(dir string, now time.Time, r any, kept []string, stack []byte) (string, error) {
	if err := util.EnsureDirExists(dir); err != nil {
		return "", fmt.Errorf("ensure crashlog dir exists: %w", err)
	}

	timestamp := now.Format(crashlogTimestampFormat)

	if len(kept) == 0 {
		kept = []string{"none"}
	}

	var crashlog bytes.Buffer
	fmt.Fprintf(&crashlog, crashMessage, timestamp, r, strings.Join(kept, "\n  "), stack)

	crashlogPath := filepath.Join(dir, fmt.Sprintf(crashlogFilename, timestamp))

	if err := os.WriteFile(crashlogPath, crashlog.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("can't even write the crashlog file contents: %w", err)
	}

	return crashlogPath, nil
}
