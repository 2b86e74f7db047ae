package backends

import (
	"github.com/mailchannels/mimescan/mail"
)

// Our processor is defined as something that processes the envelope and returns a result
type Processor interface {
	Process(*mail.Envelope) (Result, error)
}

// Signature of ProcessorFunc
type ProcessorFunc func(*mail.Envelope) (Result, error)

// Process makes ProcessorFunc satisfy the Processor interface
func (f ProcessorFunc) Process(e *mail.Envelope) (Result, error) {
	return f(e)
}

// DefaultProcessor is an undecorated processor that does nothing.
// Notice that it has no knowledge of the decorators wrapped around it,
// which have orthogonal concerns.
type DefaultProcessor struct{}

// Process does nothing except return the result
func (w DefaultProcessor) Process(e *mail.Envelope) (Result, error) {
	return NewResult("250 2.0.0 OK: queued as " + e.QueuedId), nil
}
