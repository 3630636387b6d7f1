package ami

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ivrkit/pbxline/pbxerr"
	"github.com/ivrkit/pbxline/wire"
)

// socket is the single-owner duplex byte stream underlying a Client.
// It keeps independent read and write mutexes so a blocked reader
// cannot stall a sender and vice versa.
type socket struct {
	conn net.Conn
	br   *bufio.Reader

	readTimeout time.Duration

	readMu  sync.Mutex
	writeMu sync.Mutex

	connected bool // guarded by writeMu

	closeOnce sync.Once

	serverName    string
	serverVersion string
}

// dial opens a TCP connection to addr, reads exactly one greeting
// line, and splits it into (name, version) on "/" if present.
func dial(addr string, readTimeout time.Duration) (*socket, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, pbxerr.Wrap(pbxerr.KindNotConnected, err, "dial %s", addr)
	}

	s := &socket{
		conn:        conn,
		br:          bufio.NewReader(conn),
		readTimeout: readTimeout,
		connected:   true,
	}

	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	}
	greeting, err := s.br.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, pbxerr.Wrap(pbxerr.KindSocketBroken, err, "read greeting")
	}

	greeting = strings.TrimRight(greeting, "\r\n")
	if name, version, ok := strings.Cut(greeting, "/"); ok {
		s.serverName = strings.TrimSpace(name)
		s.serverVersion = strings.TrimSpace(version)
	} else {
		s.serverName = "<unknown>"
		s.serverVersion = "<unknown>"
	}

	return s, nil
}

// readMessage reads one complete wire.Message under the read lock,
// refreshing the read deadline beforehand so the reader task wakes up
// periodically even on an idle connection. The read path has its own
// mutex, independent of writes.
func (s *socket) readMessage() (*wire.Message, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}
	return wire.ReadMessage(s.br)
}

// write sends b under the write lock. Any failure marks the socket
// broken and closes it as a side effect.
func (s *socket) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if !s.connected {
		return pbxerr.New(pbxerr.KindSocketBroken, "write on closed socket")
	}

	if _, err := s.conn.Write(b); err != nil {
		s.connected = false
		s.conn.Close()
		return pbxerr.Wrap(pbxerr.KindSocketBroken, err, "write")
	}
	return nil
}

// markBroken flags the socket unusable without attempting another
// close (used by the reader when a non-timeout read error occurs).
func (s *socket) markBroken() {
	s.writeMu.Lock()
	s.connected = false
	s.writeMu.Unlock()
}

// isConnected reports the connected flag under the write mutex.
func (s *socket) isConnected() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.connected
}

// close is idempotent: it flips the connected flag before attempting
// to close the underlying handle.
func (s *socket) close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.connected = false
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *socket) greeting() string {
	return fmt.Sprintf("%s/%s", s.serverName, s.serverVersion)
}
