package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFilePath string
	var envFilePath string
	var once bool

	cmd := &cobra.Command{
		Use:           "dropsync",
		Short:         "Upload new files from a local folder to a remote folder and prune old ones",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, configErr := LoadConfig(configFilePath, envFilePath)
			if configErr != nil {
				fmt.Fprintf(os.Stderr, "Config error: %s\n", configErr)
				return configErr
			}
			if once {
				appConfig.Interval = 0
			}

			logCloser, logErr := setupLogging(appConfig.Log)
			if logErr != nil {
				fmt.Fprintf(os.Stderr, "Config error: %s\n", logErr)
				return logErr
			}
			if logCloser != nil {
				defer logCloser.Close()
			}

			runErr := run(cmd.Context(), appConfig)
			if runErr != nil {
				log.Error(fmt.Sprintf("Sync handler error: %s", runErr))
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&configFilePath, "configfile", "c", "", "Configuration file path (yaml, json or toml)")
	cmd.Flags().StringVarP(&envFilePath, "envfile", "e", "", "Optional dotenv style key file, e.g. app.cfg")
	cmd.Flags().BoolVar(&once, "once", false, "Run a single pass even if an interval is configured")

	return cmd
}

func run(ctx context.Context, appConfig AppConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting with config:")
	for _, line := range appConfig.ConfigStringArray() {
		log.Info(line)
	}

	store, storeErr := appConfig.StoreFromConfig()
	if storeErr != nil {
		return storeErr
	}

	syncer, syncerErr := NewSyncer(store, NewLocalFS(), appConfig)
	if syncerErr != nil {
		return syncerErr
	}

	var notifier Notifier
	if appConfig.Notify.Topic != "" {
		snsNotifier, notifierErr := NewSNSNotifier(appConfig)
		if notifierErr != nil {
			log.Warn(fmt.Sprintf("Error creating sns notifier, notifications disabled: %s", notifierErr))
		} else {
			notifier = snsNotifier
		}
	}

	return NewSyncHandler(syncer, appConfig, notifier).Start(ctx)
}
