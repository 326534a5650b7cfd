package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogging configures the global logrus logger. When a log file path is
// set, entries also go to a size-rotated file that keeps MaxFiles backups.
func setupLogging(logConfig LogConfig) (io.Closer, error) {
	level, levelErr := log.ParseLevel(logConfig.Level)
	if levelErr != nil {
		return nil, newSyncError(ConfigError, "log level", logConfig.Level, levelErr)
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if logConfig.FilePath == "" {
		log.SetOutput(os.Stdout)
		return nil, nil
	}

	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(logConfig.FilePath, fmt.Sprintf("%s.log", logConfig.ServiceName)),
		MaxSize:    50,
		MaxBackups: logConfig.MaxFiles,
		LocalTime:  true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator, nil
}
