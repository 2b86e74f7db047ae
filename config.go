package mimescan

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/mailchannels/mimescan/backends"
	"github.com/mailchannels/mimescan/mail/mime"
)

// AppConfig is the holder of the configuration of the app
type AppConfig struct {
	// Servers can have one or more items.
	Servers []ServerConfig `json:"servers"`
	// Scan selects the scanner's options and limits
	Scan ScanConfig `json:"scan"`
	// PidFile is the path for writing out the process id
	PidFile string `json:"pid_file"`
	// LogFile is where the logs go. Use path to file, or "stderr", "stdout" or "off"
	LogFile string `json:"log_file,omitempty"`
	// LogLevel controls the lowest level we log.
	// "info", "debug", "error", "panic". Default "info"
	LogLevel string `json:"log_level,omitempty"`
	// BackendConfig configures the processor chain scan results go to
	BackendConfig backends.BackendConfig `json:"backend_config"`
}

// ServerConfig specifies config options for a single server
type ServerConfig struct {
	// IsEnabled set to true to start the server, false will ignore it
	IsEnabled bool `json:"is_enabled"`
	// ListenInterface is the IP and port to listen on, eg. 127.0.0.1:10025
	ListenInterface string `json:"listen_interface"`
	// MaxSize is the maximum size of a message that will be accepted, in bytes
	MaxSize int64 `json:"max_size"`
	// Timeout is the deadline for a whole connection (message and reply),
	// in seconds, counted from when the connection is accepted
	Timeout int `json:"timeout"`
	// MaxClients is the maximum number of concurrent connections
	MaxClients int `json:"max_clients"`
}

// ScanConfig spells the scanner's option bits and limits as config
// booleans, so that the JSON reads like a policy.
type ScanConfig struct {
	DisableMime          bool `json:"disable_mime,omitempty"`
	ReportTruncHeader    bool `json:"report_truncated_header,omitempty"`
	Report8BitInHeader   bool `json:"report_8bit_in_header,omitempty"`
	Report8BitIn7BitBody bool `json:"report_8bit_in_7bit_body,omitempty"`
	ReportEncodingDomain bool `json:"report_encoding_domain,omitempty"`
	RecurseAllMessage    bool `json:"recurse_all_message,omitempty"`
	Downgrade            bool `json:"downgrade_8bit,omitempty"`

	HeaderSizeLimit   int `json:"header_size_limit,omitempty"`
	NestingLimit      int `json:"mime_nesting_limit,omitempty"`
	BoundaryLengthCap int `json:"mime_boundary_length_limit,omitempty"`
}

// Options converts the config booleans to the parser's option bits.
func (sc *ScanConfig) Options() mime.Options {
	var o mime.Options
	if sc.DisableMime {
		o |= mime.DisableMime
	}
	if sc.ReportTruncHeader {
		o |= mime.ReportTruncHeader
	}
	if sc.Report8BitInHeader {
		o |= mime.Report8BitInHeader
	}
	if sc.Report8BitIn7BitBody {
		o |= mime.Report8BitIn7BitBody
	}
	if sc.ReportEncodingDomain {
		o |= mime.ReportEncodingDomain
	}
	if sc.RecurseAllMessage {
		o |= mime.RecurseAllMessage
	}
	if sc.Downgrade {
		o |= mime.Downgrade
	}
	return o
}

// Limits converts the config knobs to parser limits; zero values fall
// back to the parser's defaults.
func (sc *ScanConfig) Limits() mime.Limits {
	return mime.Limits{
		HeaderLimit:    sc.HeaderSizeLimit,
		MaxDepth:       sc.NestingLimit,
		MaxBoundaryLen: sc.BoundaryLengthCap,
	}
}

// Load loads in the config from the given jsonBytes and fills in defaults.
func (c *AppConfig) Load(jsonBytes []byte) error {
	if err := json.Unmarshal(jsonBytes, c); err != nil {
		return fmt.Errorf("could not parse config file: %s", err)
	}
	if c.Scan.RecurseAllMessage && c.Scan.Downgrade {
		return errors.New("scan config: recurse_all_message cannot be combined with downgrade_8bit")
	}
	if c.LogFile == "" {
		c.LogFile = "stderr"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	for i := range c.Servers {
		if err := c.Servers[i].setDefaults(); err != nil {
			return err
		}
	}
	return nil
}

func (sc *ServerConfig) setDefaults() error {
	if sc.ListenInterface == "" {
		return errors.New("server config: empty listen_interface is not allowed")
	}
	if sc.MaxSize == 0 {
		sc.MaxSize = 10 << 20 // 10 Mebibytes
	}
	if sc.Timeout == 0 {
		sc.Timeout = 30
	}
	if sc.MaxClients == 0 {
		sc.MaxClients = 100
	}
	return nil
}

// EmitChangeEvents compares to the old config and publishes a granular
// event for everything that changed. Called after a config reload.
func (c *AppConfig) EmitChangeEvents(oldConfig *AppConfig, app App) {
	app.Publish(EventConfigNewConfig, c)
	if c.PidFile != oldConfig.PidFile {
		app.Publish(EventConfigPidFile, c)
	}
	if c.LogFile != oldConfig.LogFile {
		app.Publish(EventConfigLogFile, c)
	}
	if c.LogLevel != oldConfig.LogLevel {
		app.Publish(EventConfigLogLevel, c)
	}
	if c.Scan != oldConfig.Scan {
		app.Publish(EventConfigScanConfig, c)
	}
	if !reflect.DeepEqual(c.BackendConfig, oldConfig.BackendConfig) {
		app.Publish(EventConfigBackendConfig, c)
	}
	c.emitServerChangeEvents(oldConfig, app)
}

func (c *AppConfig) emitServerChangeEvents(oldConfig *AppConfig, app App) {
	oldServers := oldConfig.serversByInterface()
	for i := range c.Servers {
		sc := &c.Servers[i]
		old, ok := oldServers[sc.ListenInterface]
		if !ok {
			app.Publish(EventConfigServerNew, sc)
			if sc.IsEnabled {
				app.Publish(EventConfigServerStart, sc)
			}
			continue
		}
		delete(oldServers, sc.ListenInterface)
		if sc.IsEnabled != old.IsEnabled {
			if sc.IsEnabled {
				app.Publish(EventConfigServerStart, sc)
			} else {
				app.Publish(EventConfigServerStop, sc)
			}
		}
		if sc.Timeout != old.Timeout {
			app.Publish(EventConfigServerTimeout, sc)
		}
		if sc.MaxClients != old.MaxClients {
			app.Publish(EventConfigServerMaxClients, sc)
		}
	}
	for _, old := range oldServers {
		app.Publish(EventConfigServerRemove, old)
	}
}

func (c *AppConfig) serversByInterface() map[string]*ServerConfig {
	m := make(map[string]*ServerConfig, len(c.Servers))
	for i := range c.Servers {
		m[c.Servers[i].ListenInterface] = &c.Servers[i]
	}
	return m
}
