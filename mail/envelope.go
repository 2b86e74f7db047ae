package mail

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"strconv"
	"time"

	"github.com/mailchannels/mimescan/mail/mime"
)

// Envelope carries one scanned message through the backend chain.
// It is owned by a single goroutine for its whole life.
type Envelope struct {
	// RemoteIP is the address the message came in from, if any
	RemoteIP string
	// QueuedId is the unique id assigned when the envelope was created
	QueuedId string
	// Data stores the rewritten message, headers and body
	Data bytes.Buffer
	// Subject is captured from the primary headers while scanning
	Subject string
	// Flags are the anomalies the scan raised
	Flags mime.Flags
	// Headers counts the logical headers delivered, all levels
	Headers int
	// Parts counts the header blocks seen below the primary one
	Parts int
}

func queuedID(clientID uint64) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)+strconv.FormatUint(clientID, 10))))
}

// NewEnvelope returns an envelope with a fresh queued id.
func NewEnvelope(remoteAddr string, clientID uint64) *Envelope {
	return &Envelope{
		RemoteIP: remoteAddr,
		QueuedId: queuedID(clientID),
	}
}

// Reset clears the envelope for reuse, keeping the allocated Data
// storage.
func (e *Envelope) Reset(remoteAddr string, clientID uint64) {
	e.RemoteIP = remoteAddr
	e.QueuedId = queuedID(clientID)
	e.Data.Reset()
	e.Subject = ""
	e.Flags = 0
	e.Headers = 0
	e.Parts = 0
}
