package backends

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mailchannels/mimescan/log"
	"github.com/mailchannels/mimescan/mail"
)

var (
	Svc *service

	// Store the constructor for making a new processor decorator.
	processors map[string]ProcessorConstructor
)

func init() {
	Svc = &service{}
	processors = make(map[string]ProcessorConstructor)
}

type ProcessorConstructor func() Decorator

// Backends deliver scanned mail envelopes. Depending on the processors
// configured, they can log the scan report, store the rewritten message
// in Redis, record the verdict in a database, etc.
// Process must return a message ready to send back to the submitter
// (i.e. "250 OK") indicating whether the envelope was handled.
type Backend interface {
	// Process delivers the scanned envelope
	Process(*mail.Envelope) Result
	// Initialize the backend, eg. creates folders, sets-up database connections
	Initialize(BackendConfig) error
	// Initialize the backend after it was Shutdown()
	Reinitialize() error
	// Shutdown frees / closes anything created during initialization
	Shutdown() error
	// Start a backend that has been initialized
	Start() error
}

// BackendConfig holds the "backend_config" values from the main config file.
type BackendConfig map[string]interface{}

// All config structs extend from this
type BaseConfig interface{}

// Result represents a response after the envelope was processed.
// The String method returns a submission-protocol style message,
// for example `250 OK: Message received`.
type Result interface {
	fmt.Stringer
	// Code should return the status code associated with this response, ie. `250`
	Code() int
}

// Internal implementation of Result for use by processors.
type result struct {
	// we're going to use a bytes.Buffer for building a string
	bytes.Buffer
}

func (r *result) String() string {
	return r.Buffer.String()
}

// Code parses the status code from the first 3 characters of the message.
// Returns 554 if the code cannot be parsed.
func (r *result) Code() int {
	trimmed := strings.TrimSpace(r.String())
	if len(trimmed) < 3 {
		return 554
	}
	code, err := strconv.Atoi(trimmed[:3])
	if err != nil {
		return 554
	}
	return code
}

func NewResult(r ...interface{}) Result {
	buf := new(result)
	for _, item := range r {
		switch v := item.(type) {
		case error:
			_, _ = buf.WriteString(v.Error())
		case fmt.Stringer:
			_, _ = buf.WriteString(v.String())
		case string:
			_, _ = buf.WriteString(v)
		}
	}
	return buf
}

type processorInitializer interface {
	Initialize(backendConfig BackendConfig) error
}

type processorShutdowner interface {
	Shutdown() error
}

type InitializeWith func(backendConfig BackendConfig) error
type ShutdownWith func() error

// Initialize satisfies the processorInitializer interface, so that we can
// pass an anonymous function that implements it
func (i InitializeWith) Initialize(backendConfig BackendConfig) error {
	// delegate to the anonymous function
	return i(backendConfig)
}

// Shutdown satisfies the processorShutdowner interface, same concept as InitializeWith
func (s ShutdownWith) Shutdown() error {
	// delegate
	return s()
}

type Errors []error

// implement the Error interface
func (e Errors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}
	// multiple errors
	msg := ""
	for _, err := range e {
		msg += "\n" + err.Error()
	}
	return msg
}

func convertError(name string) error {
	return fmt.Errorf("failed to load backend config (%s)", name)
}

type service struct {
	initializers []processorInitializer
	shutdowners  []processorShutdowner
	sync.Mutex
	mainlog atomic.Value
}

// Log loads the log.Logger in an atomic operation. Returns a stderr logger if not able to load
func Log() log.Logger {
	if v, ok := Svc.mainlog.Load().(log.Logger); ok {
		return v
	}
	l, _ := log.GetLogger(log.OutputStderr.String(), log.InfoLevel.String())
	return l
}

func (s *service) SetMainlog(l log.Logger) {
	s.mainlog.Store(l)
}

// AddInitializer adds a function that implements processorInitializer to be called when initializing
func (s *service) AddInitializer(i processorInitializer) {
	s.Lock()
	defer s.Unlock()
	s.initializers = append(s.initializers, i)
}

// AddShutdowner adds a function that implements processorShutdowner to be called when shutting down
func (s *service) AddShutdowner(sh processorShutdowner) {
	s.Lock()
	defer s.Unlock()
	s.shutdowners = append(s.shutdowners, sh)
}

// reset clears the initializers and shutdowners
func (s *service) reset() {
	s.shutdowners = make([]processorShutdowner, 0)
	s.initializers = make([]processorInitializer, 0)
}

// initialize initializes all the processors one-by-one and returns any errors.
// Subsequent calls will not call the initializer again unless it failed on the
// previous call, so initialize may be called again to retry after getting errors
func (s *service) initialize(backend BackendConfig) Errors {
	s.Lock()
	defer s.Unlock()
	var errors Errors
	failed := make([]processorInitializer, 0)
	for i := range s.initializers {
		if err := s.initializers[i].Initialize(backend); err != nil {
			errors = append(errors, err)
			failed = append(failed, s.initializers[i])
		}
	}
	// keep only the failed initializers
	s.initializers = failed
	return errors
}

// shutdown shuts down all the processors by calling their shutdowners (if any)
// Subsequent calls will not call the shutdowners again unless it failed on the
// previous call, so shutdown may be called again to retry after getting errors
func (s *service) shutdown() Errors {
	s.Lock()
	defer s.Unlock()
	var errors Errors
	failed := make([]processorShutdowner, 0)
	for i := range s.shutdowners {
		if err := s.shutdowners[i].Shutdown(); err != nil {
			errors = append(errors, err)
			failed = append(failed, s.shutdowners[i])
		}
	}
	s.shutdowners = failed
	return errors
}

// AddProcessor adds a new processor, which becomes available to the
// backend_config.scan_process option.
// Use to add your own custom processor when using backends as a package, or
// after importing an external processor.
func (s *service) AddProcessor(name string, p ProcessorConstructor) {
	// wrap in a constructor since we want to defer calling it
	var c ProcessorConstructor
	c = func() Decorator {
		return p()
	}
	// add to our processors list
	processors[strings.ToLower(name)] = c
}

// ExtractConfig loads a processor's config value from the main config's
// "backend_config" section into configType.
// The reason for using reflection is to get a nice error message when a
// field is missing; json.Unmarshal would silently leave it zeroed.
func (s *service) ExtractConfig(configData BackendConfig, configType BaseConfig) (interface{}, error) {
	// Use reflection so that we can set the values and report absences
	v := reflect.ValueOf(configType).Elem()
	t := reflect.TypeOf(configType).Elem()
	typeOfT := v.Type()

	for i := 0; i < v.NumField(); i++ {
		f := v.Field(i)
		// read the tags of the config struct
		fieldName := t.Field(i).Tag.Get("json")
		omitempty := false
		if len(fieldName) > 0 {
			// get the field name from the struct tag
			split := strings.Split(fieldName, ",")
			fieldName = split[0]
			if len(split) > 1 {
				if split[1] == "omitempty" {
					omitempty = true
				}
			}
		} else {
			// could have no tag, so use the reflected field name
			fieldName = typeOfT.Field(i).Name
		}
		if f.Type().Name() == "int" {
			// in json, there is no int, only floats...
			if intVal, converted := configData[fieldName].(float64); converted {
				v.Field(i).SetInt(int64(intVal))
			} else if intVal, converted := configData[fieldName].(int); converted {
				v.Field(i).SetInt(int64(intVal))
			} else if !omitempty {
				return configType, convertError("property missing/invalid: '" + fieldName + "' of expected type: " + f.Type().Name())
			}
		}
		if f.Type().Name() == "string" {
			if stringVal, converted := configData[fieldName].(string); converted {
				v.Field(i).SetString(stringVal)
			} else if !omitempty {
				return configType, convertError("missing/invalid: '" + fieldName + "' of type: " + f.Type().Name())
			}
		}
		if f.Type().Name() == "bool" {
			if boolVal, converted := configData[fieldName].(bool); converted {
				v.Field(i).SetBool(boolVal)
			} else if !omitempty {
				return configType, convertError("missing/invalid: '" + fieldName + "' of type: " + f.Type().Name())
			}
		}
	}
	return configType, nil
}
