package mimescan

import (
	"errors"
	"sync"

	"github.com/mailchannels/mimescan/backends"
	"github.com/mailchannels/mimescan/log"
)

var ErrAppStopped = errors.New("app has stopped")

// App is the running scan service: one or more filter servers feeding a
// shared backend, reconfigurable through published events.
type App interface {
	Start() error
	Shutdown()
	Subscribe(topic Event, fn interface{}) error
	Publish(topic Event, args ...interface{})
	SetLogger(log.Logger)
}

type app struct {
	config  *AppConfig
	backend backends.Backend
	servers map[string]*server
	logger  log.Logger
	stopped bool
	guard   sync.Mutex
	EventHandler
}

// New creates the app from a loaded config, a built backend and a logger.
// Call Start to begin serving.
func New(ac *AppConfig, b backends.Backend, l log.Logger) (App, error) {
	a := &app{
		config:  ac,
		backend: b,
		servers: make(map[string]*server, len(ac.Servers)),
		logger:  l,
	}
	if len(ac.Servers) == 0 {
		return nil, errors.New("config contains no servers")
	}
	a.subscribeEvents()
	return a, nil
}

func (a *app) Start() error {
	a.guard.Lock()
	defer a.guard.Unlock()
	if a.stopped {
		return ErrAppStopped
	}
	var startErrors backends.Errors
	if err := a.backend.Start(); err != nil {
		startErrors = append(startErrors, err)
	}
	scanner := NewScanner(a.config.Scan)
	for i := range a.config.Servers {
		sc := &a.config.Servers[i]
		if !sc.IsEnabled {
			continue
		}
		if _, ok := a.servers[sc.ListenInterface]; ok {
			continue
		}
		srv := newServer(sc, scanner, a.backend, a.logger)
		if err := srv.Start(); err != nil {
			startErrors = append(startErrors, err)
			continue
		}
		a.servers[sc.ListenInterface] = srv
	}
	if len(a.servers) == 0 {
		startErrors = append(startErrors, errors.New("no servers started, please check the config"))
	}
	if len(startErrors) > 0 {
		return startErrors
	}
	return nil
}

func (a *app) Shutdown() {
	a.guard.Lock()
	defer a.guard.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	for iface, srv := range a.servers {
		srv.Shutdown()
		delete(a.servers, iface)
	}
	if err := a.backend.Shutdown(); err != nil {
		a.logger.WithError(err).Warn("backend failed to shutdown")
	} else {
		a.logger.Infof("backend shutdown completed")
	}
}

func (a *app) SetLogger(l log.Logger) {
	a.guard.Lock()
	defer a.guard.Unlock()
	a.logger = l
	for _, srv := range a.servers {
		srv.setLogger(l)
	}
	backends.Svc.SetMainlog(l)
}

// subscribeEvents wires the config-change events to their effects.
func (a *app) subscribeEvents() {
	// main log destination changed
	_ = a.Subscribe(EventConfigLogFile, func(c *AppConfig) {
		l, err := log.GetLogger(c.LogFile, c.LogLevel)
		if err != nil {
			a.logger.WithError(err).Errorf("could not change logger to [%s]", c.LogFile)
			return
		}
		a.SetLogger(l)
		a.logger.Infof("main log of the app changed to [%s]", c.LogFile)
	})
	// re-open the main log file (eg. after logrotate)
	_ = a.Subscribe(EventConfigLogReopen, func(c *AppConfig) {
		if err := a.logger.Reopen(); err != nil {
			a.logger.WithError(err).Errorf("could not re-open logger [%s]", c.LogFile)
			return
		}
		a.logger.Infof("re-opened main log file [%s]", c.LogFile)
	})
	// log level changed
	_ = a.Subscribe(EventConfigLogLevel, func(c *AppConfig) {
		a.logger.SetLevel(c.LogLevel)
		a.logger.Infof("log level changed to [%s]", c.LogLevel)
	})
	// scan policy changed: applies to connections accepted from now on
	_ = a.Subscribe(EventConfigScanConfig, func(c *AppConfig) {
		a.guard.Lock()
		defer a.guard.Unlock()
		scanner := NewScanner(c.Scan)
		for _, srv := range a.servers {
			srv.setScanner(scanner)
		}
		a.logger.Infof("scan config applied")
	})
	// a server was enabled or added while running
	startServer := func(sc *ServerConfig) {
		a.guard.Lock()
		defer a.guard.Unlock()
		if a.stopped {
			return
		}
		if _, ok := a.servers[sc.ListenInterface]; ok {
			return
		}
		srv := newServer(sc, NewScanner(a.config.Scan), a.backend, a.logger)
		if err := srv.Start(); err != nil {
			a.logger.WithError(err).Errorf("could not start server on [%s]", sc.ListenInterface)
			return
		}
		a.servers[sc.ListenInterface] = srv
	}
	_ = a.Subscribe(EventConfigServerStart, startServer)
	// a server was disabled or removed while running
	stopServer := func(sc *ServerConfig) {
		a.guard.Lock()
		defer a.guard.Unlock()
		if srv, ok := a.servers[sc.ListenInterface]; ok {
			srv.Shutdown()
			delete(a.servers, sc.ListenInterface)
			a.logger.Infof("server [%s] stopped", sc.ListenInterface)
		}
	}
	_ = a.Subscribe(EventConfigServerStop, stopServer)
	_ = a.Subscribe(EventConfigServerRemove, stopServer)
}
