package ref

import (
	"sync/atomic"

	"github.com/born-ml/accel/internal/dnn"
)

// Session is the simulated backend session probe: Open reports the
// configured versions, or the configured error. It counts opens so callers
// can observe how often the gate actually probed.
type Session struct {
	Header  int
	Runtime int
	Err     error

	opens atomic.Int32
}

// Open implements dnn.Session.
func (s *Session) Open() (dnn.SessionInfo, error) {
	s.opens.Add(1)
	if s.Err != nil {
		return dnn.SessionInfo{}, s.Err
	}
	return dnn.SessionInfo{HeaderVersion: s.Header, RuntimeVersion: s.Runtime}, nil
}

// Opens returns how many times the session was opened.
func (s *Session) Opens() int { return int(s.opens.Load()) }
