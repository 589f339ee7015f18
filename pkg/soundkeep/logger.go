package soundkeep

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MixyLabs/soundkeep/pkg/soundkeep/util"
)

const (
	buildTypeNone    = ""
	buildTypeDev     = "dev"
	buildTypeRelease = "release"

	logDirectory = "logs"
	logFilename  = "soundkeep-latest-run.log"
)

// NewLogger provides a logger instance for the whole program
func NewLogger(buildType string, verbose bool) (*zap.SugaredLogger, error) {
	var loggerConfig zap.Config

	// release: info and above to a file, debug too with --verbose
	if buildType == buildTypeRelease {
		if err := util.EnsureDirExists(logDirectory); err != nil {
			return nil, fmt.Errorf("ensure log directory exists: %w", err)
		}

		loggerConfig = zap.NewProductionConfig()

		loggerConfig.OutputPaths = []string{filepath.Join(logDirectory, logFilename)}
		loggerConfig.Encoding = "console"

		if !verbose {
			loggerConfig.Level.SetLevel(zapcore.InfoLevel)
		} else {
			loggerConfig.Level.SetLevel(zapcore.DebugLevel)
		}
	} else {
		// development: everything to the terminal
		loggerConfig = zap.NewDevelopmentConfig()
	}

	// all build types: make it readable
	loggerConfig.EncoderConfig.EncodeCaller = nil
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	loggerConfig.EncoderConfig.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(fmt.Sprintf("%-5s", level.CapitalString()))
	}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	// no reason not to use the sugared logger - it's fast enough for anything we're gonna do
	sugar := logger.Sugar()

	return sugar, nil
}
