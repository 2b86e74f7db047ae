package backends

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mailchannels/mimescan/log"
	"github.com/mailchannels/mimescan/mail"
)

var ErrProcessorNotFound = errors.New("processor not found")

// BackendGateway delivers envelopes to a chain of processors built from
// the config. The chain runs synchronously on the caller's goroutine;
// concurrency comes from the callers (one per submission).
type BackendGateway struct {
	gwConfig *GatewayConfig
	// the built processor chain
	chain Processor

	state gwState
	sync.Mutex
	config BackendConfig
}

type GatewayConfig struct {
	// ScanProcess is a "|"-separated list of processor names, eg.
	// "Debugger|Redis|MySQL". The envelope flows left to right.
	ScanProcess string `json:"scan_process,omitempty"`
}

type gwState int

const (
	// BackendStateNew is before Initialize was called
	BackendStateNew gwState = iota
	BackendStateRunning
	BackendStateShuttered
	BackendStateError
	BackendStateInitialized
)

func (s gwState) String() string {
	switch s {
	case BackendStateNew:
		return "NewState"
	case BackendStateRunning:
		return "RunningState"
	case BackendStateShuttered:
		return "ShutteredState"
	case BackendStateError:
		return "ErrorState"
	case BackendStateInitialized:
		return "InitializedState"
	}
	return fmt.Sprintf("%d", int(s))
}

// New makes a new default BackendGateway backend, and initializes it using
// backendConfig and stores the logger
func New(backendConfig BackendConfig, l log.Logger) (Backend, error) {
	Svc.SetMainlog(l)
	gateway := &BackendGateway{}
	err := gateway.Initialize(backendConfig)
	if err != nil {
		return nil, fmt.Errorf("error while initializing the backend: %s", err)
	}
	return gateway, nil
}

// Initialize builds the processor chain and initializes all processors.
func (gw *BackendGateway) Initialize(cfg BackendConfig) error {
	gw.Lock()
	defer gw.Unlock()
	if gw.state != BackendStateNew && gw.state != BackendStateShuttered {
		return errors.New("can only Initialize in BackendStateNew or BackendStateShuttered state")
	}
	err := gw.loadConfig(cfg)
	if err != nil {
		gw.state = BackendStateError
		return err
	}
	gw.chain, err = gw.buildChain()
	if err != nil {
		gw.state = BackendStateError
		return err
	}
	if errs := Svc.initialize(cfg); errs != nil {
		gw.state = BackendStateError
		return errs
	}
	gw.state = BackendStateInitialized
	return nil
}

// Start sets the state to running. Initialize must have been called.
func (gw *BackendGateway) Start() error {
	gw.Lock()
	defer gw.Unlock()
	if gw.state != BackendStateInitialized && gw.state != BackendStateShuttered {
		return errors.New("backend was not initialized")
	}
	gw.state = BackendStateRunning
	return nil
}

// Reinitialize initializes the gateway with the existing config after it was shutdown
func (gw *BackendGateway) Reinitialize() error {
	if gw.state != BackendStateShuttered {
		return errors.New("backend must be in BackendStateShuttered state to Reinitialize")
	}
	err := gw.Initialize(gw.config)
	if err != nil {
		return fmt.Errorf("error while initializing the backend: %s", err)
	}
	return err
}

// Shutdown shuts down the backend by calling the processors' shutdowners.
func (gw *BackendGateway) Shutdown() error {
	gw.Lock()
	defer gw.Unlock()
	if gw.state == BackendStateShuttered {
		return nil
	}
	if errs := Svc.shutdown(); errs != nil {
		gw.state = BackendStateError
		return errs
	}
	gw.state = BackendStateShuttered
	return nil
}

// Process delivers the envelope through the processor chain.
func (gw *BackendGateway) Process(e *mail.Envelope) Result {
	if gw.State() != BackendStateRunning {
		return NewResult("554 5.3.0 Transaction failed - backend not running " + gw.State().String())
	}
	result, err := gw.chain.Process(e)
	if err != nil {
		Log().WithError(err).Error("error while processing envelope")
		if result == nil {
			return NewResult("554 5.3.0 Error: could not process envelope")
		}
	}
	if result == nil {
		return NewResult("250 2.0.0 OK: queued as " + e.QueuedId)
	}
	return result
}

// State gets the state of the gateway under lock.
func (gw *BackendGateway) State() gwState {
	gw.Lock()
	defer gw.Unlock()
	return gw.state
}

func (gw *BackendGateway) loadConfig(cfg BackendConfig) error {
	configType := BaseConfig(&GatewayConfig{})
	// Note: treat scan_process as optional, a default is used if empty
	bcfg, err := Svc.ExtractConfig(cfg, configType)
	if err != nil {
		return err
	}
	gw.gwConfig = bcfg.(*GatewayConfig)
	gw.config = cfg
	return nil
}

// buildChain builds the chain of processors, decorating from the end.
func (gw *BackendGateway) buildChain() (Processor, error) {
	var decorators []Decorator
	line := gw.gwConfig.ScanProcess
	if len(line) == 0 {
		line = "Debugger"
	}
	items := strings.Split(line, "|")
	for i := range items {
		name := strings.ToLower(strings.TrimSpace(items[i]))
		if name == "" {
			continue
		}
		constructor, ok := processors[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrProcessorNotFound, name)
		}
		decorators = append(decorators, constructor())
	}
	// build the call-stack of decorators; the processing starts at the
	// first item of the config line, so decorate in reverse
	for i, j := 0, len(decorators)-1; i < j; i, j = i+1, j-1 {
		decorators[i], decorators[j] = decorators[j], decorators[i]
	}
	return Decorate(DefaultProcessor{}, decorators...), nil
}
