package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailchannels/mimescan"
	"github.com/mailchannels/mimescan/backends"
	"github.com/mailchannels/mimescan/log"
)

const (
	defaultPidFile = "/var/run/mimescand.pid"
)

var (
	configPath string
	pidFile    string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "start the mime scanning service",
		Run:   serve,
	}

	cmdConfig     = mimescan.AppConfig{}
	signalChannel = make(chan os.Signal, 1) // for trapping SIGHUP and friends
	mainlog       log.Logger
)

func init() {
	// log to stderr on startup
	var logOpenError error
	if mainlog, logOpenError = log.GetLogger(log.OutputStderr.String(), log.InfoLevel.String()); logOpenError != nil {
		mainlog.WithError(logOpenError).Errorf("Failed creating a logger to %s", log.OutputStderr)
	}
	serveCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"mimescand.conf", "Path to the configuration file")
	// intentionally didn't specify default pidFile; value from config is used if flag is empty
	serveCmd.PersistentFlags().StringVarP(&pidFile, "pidFile", "p",
		"", "Path to the pid file")

	rootCmd.AddCommand(serveCmd)
}

func sigHandler(app mimescan.App) {
	signal.Notify(signalChannel,
		syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT,
		syscall.SIGUSR1)

	for sig := range signalChannel {
		switch sig {
		case syscall.SIGHUP:
			// save the old config & load in the new one
			oldConfig := cmdConfig
			newConfig := mimescan.AppConfig{}
			if err := readConfig(configPath, pidFile, &newConfig); err != nil {
				mainlog.WithError(err).Error("Error while reloading config")
				// re-open the log in case the file was rotated away
				app.Publish(mimescan.EventConfigLogReopen, &cmdConfig)
				continue
			}
			cmdConfig = newConfig
			mainlog.Infof("Configuration was reloaded at %s", mimescan.ConfigLoadTime)
			cmdConfig.EmitChangeEvents(&oldConfig, app)
		case syscall.SIGUSR1:
			app.Publish(mimescan.EventConfigLogReopen, &cmdConfig)
		case syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT:
			mainlog.Infof("Shutdown signal caught")
			app.Shutdown()
			mainlog.Infof("Shutdown completed, exiting.")
			return
		default:
			mainlog.Infof("Shutdown, unknown signal caught")
			return
		}
	}
}

func subscribeBackendEvent(event mimescan.Event, backend backends.Backend, app mimescan.App) {
	_ = app.Subscribe(event, func(cfg *mimescan.AppConfig) {
		logger, _ := log.GetLogger(cfg.LogFile, cfg.LogLevel)
		var err error
		if err = backend.Shutdown(); err != nil {
			logger.WithError(err).Warn("Backend failed to shutdown")
			return
		}
		// init a new backend
		if newBackend, newErr := backends.New(cfg.BackendConfig, logger); newErr != nil {
			// revert to the old backend config
			logger.WithError(newErr).Error("Error while loading the backend")
			if err = backend.Reinitialize(); err != nil {
				logger.WithError(err).Fatal("failed to revert to old backend config")
				return
			}
			if err = backend.Start(); err != nil {
				logger.WithError(err).Fatal("failed to start backend with old config")
				return
			}
			logger.Info("reverted to old backend config")
		} else {
			// swap in the new backend (the old one was shutdown above)
			backend = newBackend
			if err = backend.Start(); err != nil {
				logger.WithError(err).Error("failed to start new backend")
				return
			}
			logger.Info("new backend started")
		}
	})
}

func serve(cmd *cobra.Command, args []string) {
	logVersion()

	err := readConfig(configPath, pidFile, &cmdConfig)
	if err != nil {
		mainlog.WithError(err).Fatal("Error while reading config")
	}
	mainlog.SetLevel(cmdConfig.LogLevel)

	// backend setup
	var backend backends.Backend
	backend, err = backends.New(cmdConfig.BackendConfig, mainlog)
	if err != nil {
		mainlog.WithError(err).Fatalf("Error while loading the backend")
	}

	app, err := mimescan.New(&cmdConfig, backend, mainlog)
	if err != nil {
		mainlog.WithError(err).Fatal("Error(s) when creating the app")
	}

	if err := app.Start(); err != nil {
		mainlog.WithError(err).Error("Error(s) when starting server(s)")
	}
	subscribeBackendEvent(mimescan.EventConfigBackendConfig, backend, app)
	// write out our PID
	writePid(cmdConfig.PidFile)
	// ...and rewrite it whenever the file name changes in the config
	_ = app.Subscribe(mimescan.EventConfigPidFile, func(ac *mimescan.AppConfig) {
		writePid(ac.PidFile)
	})
	// change the logger from stderr to the one from config
	mainlog.Infof("main log configured to %s", cmdConfig.LogFile)
	var logOpenError error
	if mainlog, logOpenError = log.GetLogger(cmdConfig.LogFile, cmdConfig.LogLevel); logOpenError != nil {
		mainlog.WithError(logOpenError).Errorf("Failed changing to a custom logger [%s]", cmdConfig.LogFile)
	}
	app.SetLogger(mainlog)
	sigHandler(app)
}

// readConfig is called at startup, or when a SIGHUP is caught
func readConfig(path string, pidFile string, config *mimescan.AppConfig) error {
	// Note here is the only place we can make an exception to the
	// "treat config values as immutable" rule: command line flags
	// can override config values
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %s", err)
	}
	if err := config.Load(data); err != nil {
		return err
	}
	// override config pidFile with the flag from the command line
	if len(pidFile) > 0 {
		config.PidFile = pidFile
	} else if len(config.PidFile) == 0 {
		config.PidFile = defaultPidFile
	}
	mimescan.ConfigLoadTime = time.Now()
	return nil
}

func writePid(pidFile string) {
	if len(pidFile) > 0 {
		if f, err := os.Create(pidFile); err == nil {
			defer func() {
				_ = f.Close()
			}()
			pid := os.Getpid()
			if _, err := f.WriteString(fmt.Sprintf("%d", pid)); err == nil {
				_ = f.Sync()
				mainlog.Infof("pid_file (%s) written with pid:%v", pidFile, pid)
			} else {
				mainlog.WithError(err).Fatalf("Error while writing pidFile (%s)", pidFile)
			}
		} else {
			mainlog.WithError(err).Fatalf("Error while creating pidFile (%s)", pidFile)
		}
	}
}
