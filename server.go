package mimescan

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mailchannels/mimescan/backends"
	"github.com/mailchannels/mimescan/log"
	"github.com/mailchannels/mimescan/mail"
)

// server accepts one message per connection, dot-framed like a mail
// submission stream: the client sends the message, terminated by a line
// with a single dot, and reads back a single result line.
type server struct {
	sc      *ServerConfig
	scanner *Scanner
	backend backends.Backend
	logger  log.Logger

	listener net.Listener
	// guards the client count
	clientSlots chan struct{}
	clientID    uint64
	wg          sync.WaitGroup
	closed      int32
	guard       sync.Mutex
}

func newServer(sc *ServerConfig, scanner *Scanner, b backends.Backend, l log.Logger) *server {
	return &server{
		sc:          sc,
		scanner:     scanner,
		backend:     b,
		logger:      l,
		clientSlots: make(chan struct{}, sc.MaxClients),
	}
}

// setScanner swaps the scan policy; applies to clients accepted after.
func (s *server) setScanner(scanner *Scanner) {
	s.guard.Lock()
	s.scanner = scanner
	s.guard.Unlock()
}

func (s *server) getScanner() *Scanner {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.scanner
}

func (s *server) setLogger(l log.Logger) {
	s.guard.Lock()
	s.logger = l
	s.guard.Unlock()
}

func (s *server) log() log.Logger {
	s.guard.Lock()
	defer s.guard.Unlock()
	return s.logger
}

// Start begins listening and accepting clients. It returns once the
// listener is established; accepting runs in the background.
func (s *server) Start() error {
	listener, err := net.Listen("tcp", s.sc.ListenInterface)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %s", s.sc.ListenInterface, err)
	}
	s.guard.Lock()
	s.listener = listener
	s.guard.Unlock()
	s.log().Infof("Listening on TCP %s", s.sc.ListenInterface)
	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

func (s *server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return
			}
			s.log().WithError(err).Info("accept error")
			continue
		}
		s.clientSlots <- struct{}{}
		s.wg.Add(1)
		go func() {
			defer func() {
				<-s.clientSlots
				s.wg.Done()
			}()
			s.handleClient(conn)
		}()
	}
}

// Shutdown stops accepting, then waits for the active clients to finish.
func (s *server) Shutdown() {
	atomic.StoreInt32(&s.closed, 1)
	s.guard.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.guard.Unlock()
	s.wg.Wait()
}

func (s *server) handleClient(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	if s.sc.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(time.Duration(s.sc.Timeout) * time.Second))
	}
	clientID := atomic.AddUint64(&s.clientID, 1)
	e := mail.NewEnvelope(remoteIP(conn), clientID)

	// the client streams the message dot-framed; size is capped
	dr := textproto.NewReader(bufio.NewReader(conn)).DotReader()
	limited := &limitedReader{r: dr, n: s.sc.MaxSize}

	flags, err := s.getScanner().Scan(&e.Data, limited, e)
	switch {
	case limited.exceeded:
		s.log().WithConn(conn).Warnf("message exceeds maximum size %d", s.sc.MaxSize)
		s.reply(conn, "552 5.3.4 Error: message too big for system")
		return
	case err != nil:
		s.log().WithConn(conn).WithError(err).Info("scan aborted")
		s.reply(conn, "554 5.3.0 Error: transaction failed")
		return
	}
	result := s.backend.Process(e)
	if flags != 0 {
		s.log().WithConn(conn).WithField("queuedId", e.QueuedId).
			Infof("anomalies=%#x", uint8(flags))
	}
	s.reply(conn, result.String())
}

func (s *server) reply(conn net.Conn, line string) {
	if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
		s.log().WithConn(conn).WithError(err).Info("reply failed")
	}
}

func remoteIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return conn.RemoteAddr().String()
}

// limitedReader caps the bytes read and remembers whether the cap was hit.
type limitedReader struct {
	r        io.Reader
	n        int64
	exceeded bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		// the cap is reached; only more data beyond it means too big
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			l.exceeded = true
			return 0, io.EOF
		}
		return 0, err
	}
	if int64(len(p)) > l.n {
		p = p[:l.n]
	}
	n, err := l.r.Read(p)
	l.n -= int64(n)
	return n, err
}
