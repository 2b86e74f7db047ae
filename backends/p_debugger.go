package backends

import (
	"github.com/mailchannels/mimescan/mail"
	"github.com/mailchannels/mimescan/mail/mime"
)

// ----------------------------------------------------------------------------------
// Processor Name: debugger
// ----------------------------------------------------------------------------------
// Description   : Log the scan report of the envelope
// ----------------------------------------------------------------------------------
// Config Options: log_scan_reports bool - log the full report, not just anomalies
// --------------:-------------------------------------------------------------------
// Input         : e.QueuedId, e.Subject, e.Flags, e.Headers, e.Parts, e.Data
// ----------------------------------------------------------------------------------
// Output        : none (pass through)
// ----------------------------------------------------------------------------------

func init() {
	processors["debugger"] = func() Decorator {
		return Debugger()
	}
}

type debuggerConfig struct {
	LogScanReports bool `json:"log_scan_reports,omitempty"`
}

func Debugger() Decorator {
	var config *debuggerConfig
	initFunc := InitializeWith(func(backendConfig BackendConfig) error {
		configType := BaseConfig(&debuggerConfig{})
		bcfg, err := Svc.ExtractConfig(backendConfig, configType)
		if err != nil {
			return err
		}
		config = bcfg.(*debuggerConfig)
		return nil
	})
	Svc.AddInitializer(initFunc)
	return func(p Processor) Processor {
		return ProcessorFunc(func(e *mail.Envelope) (Result, error) {
			if e.Flags != 0 {
				Log().WithFields(map[string]interface{}{
					"queuedId": e.QueuedId,
					"flags":    uint8(e.Flags),
				}).Warn(mime.ErrorText(e.Flags))
			}
			if config != nil && config.LogScanReports {
				Log().WithFields(map[string]interface{}{
					"queuedId": e.QueuedId,
					"subject":  e.Subject,
					"headers":  e.Headers,
					"parts":    e.Parts,
					"size":     e.Data.Len(),
				}).Info("scanned")
			}
			// continue to the next processor in the decorator chain
			return p.Process(e)
		})
	}
}
