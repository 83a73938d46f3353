package session

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hubbub-dev/hubbub/internal/packet"
)

// ReadyTask is a barrier between handshake and service. Extensions
// install tasks during the pre-ready phase (permission grants, app
// dependencies); the server sends READY only after every task resolves.
type ReadyTask struct {
	name    string
	session *Session
}

// CreateReadyTask registers a named barrier on a pre-ready session. On a
// session that is already serving the returned task is a no-op that was
// never registered, and resolving it does nothing.
func (s *Session) CreateReadyTask(name string) *ReadyTask {
	task := &ReadyTask{name: name, session: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePreReady {
		return task
	}
	key := name
	for i := 2; ; i++ {
		if _, dup := s.readyTasks[key]; !dup {
			break
		}
		key = fmt.Sprintf("%s#%d", name, i)
	}
	task.name = key
	s.readyTasks[key] = task
	return task
}

// Resolve marks the task complete and opens the gate if it was the last.
func (t *ReadyTask) Resolve() {
	s := t.session
	s.mu.Lock()
	if _, ok := s.readyTasks[t.name]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.readyTasks, t.name)
	s.mu.Unlock()
	s.maybeReady()
}

// Fail aborts the session with the failure's disconnect reason, or
// PERMISSION_DENIED when the error carries none.
func (t *ReadyTask) Fail(err error) {
	var de *packet.DisconnectError
	if !errors.As(err, &de) {
		de = packet.Disconnectf(packet.DisconnectPermissionDenied, "%s: %v", t.name, err)
	}
	t.session.Disconnect(de.Reason, de.Message)
}

// HandleClientReady records the client's READY packet and opens the gate
// if no tasks remain outstanding.
func (s *Session) HandleClientReady() {
	s.mu.Lock()
	s.clientReady = true
	s.mu.Unlock()
	s.maybeReady()
}

func (s *Session) maybeReady() {
	s.mu.Lock()
	if s.state != StatePreReady || !s.clientReady || len(s.readyTasks) > 0 || s.readySent {
		s.mu.Unlock()
		return
	}
	s.readySent = true
	s.state = StateServing
	listeners := append([]func(*Session){}, s.onReady...)
	s.onReady = nil
	s.mu.Unlock()

	if err := s.Send(packet.Ready, struct{}{}); err != nil {
		log.Warn().Err(err).Str("app", s.App.Key()).Msg("Failed to send ready")
		return
	}
	for _, fn := range listeners {
		fn(s)
	}
}
