package ivm

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"unicode/utf16"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	v8 "github.com/tommie/v8go"
)

// inspectorAgent is the per-isolate inspector attachment. It tracks the
// contexts exposed to debugging and the live sessions, and owns the pause
// condition variable used while the target sits in a debugger break.
type inspectorAgent struct {
	env *environment

	mu       sync.Mutex
	sessions map[string]*InspectorSession
	contexts []*v8.Context

	pauseMu   sync.Mutex
	pauseCond *sync.Cond
	paused    bool
}

func newInspectorAgent(env *environment) *inspectorAgent {
	agent := &inspectorAgent{
		env:      env,
		sessions: make(map[string]*InspectorSession),
	}
	agent.pauseCond = sync.NewCond(&agent.pauseMu)
	return agent
}

func (a *inspectorAgent) contextCreated(ctx *v8.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contexts = append(a.contexts, ctx)
}

// teardown disposes every session. Runs inside the isolate during disposal.
func (a *inspectorAgent) teardown() {
	a.mu.Lock()
	sessions := make([]*InspectorSession, 0, len(a.sessions))
	for _, s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.sessions = make(map[string]*InspectorSession)
	a.mu.Unlock()
	a.resume()
	for _, s := range sessions {
		s.markDisposed()
	}
}

// pause parks the run loop while the inspector holds the isolate at a break.
// The isolate's pending watchdogs pause with it so a debugger stop does not
// burn execution timeouts.
func (a *inspectorAgent) pause() {
	a.pauseMu.Lock()
	if !a.paused {
		a.paused = true
		timers.pause(a.env)
	}
	for a.paused {
		a.pauseCond.Wait()
	}
	a.pauseMu.Unlock()
}

func (a *inspectorAgent) resume() {
	a.pauseMu.Lock()
	if a.paused {
		a.paused = false
		timers.resume(a.env)
	}
	a.pauseCond.Broadcast()
	a.pauseMu.Unlock()
}

// InspectorSession pumps inspector protocol messages into a target isolate
// and delivers responses and notifications back on the session owner's side.
// Message payloads are opaque UTF-16 arrays.
type InspectorSession struct {
	id     string
	agent  *inspectorAgent
	target *environment

	// owner is the isolate whose queue delivery callbacks run on; nil for
	// host-owned sessions, whose callbacks run on the host loop.
	owner *environment

	mu             sync.Mutex
	disposed       bool
	onResponse     func(callID int, message []uint16)
	onNotification func(message []uint16)
}

// CreateInspectorSession opens a session against the isolate. The isolate
// must have been created with Inspector set.
func (i *Isolate) CreateInspectorSession() (*InspectorSession, error) {
	env := i.env
	if err := env.checkUsable(); err != nil {
		return nil, err
	}
	if env.inspector == nil {
		return nil, newGenericError("Isolate has no inspector agent")
	}
	s := &InspectorSession{
		id:     uuid.NewString(),
		agent:  env.inspector,
		target: env,
		owner:  currentEnvironment(),
	}
	env.inspector.mu.Lock()
	env.inspector.sessions[s.id] = s
	env.inspector.mu.Unlock()
	return s, nil
}

// OnResponse installs the response callback.
func (s *InspectorSession) OnResponse(fn func(callID int, message []uint16)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResponse = fn
}

// OnNotification installs the notification callback.
func (s *InspectorSession) OnNotification(fn func(message []uint16)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotification = fn
}

// DispatchProtocolMessage queues one protocol message into the target
// isolate as a handle task, so dispatch works even while the target is
// preparing to pause. If the target is sitting in a pause, the pause
// condition variable wakes it first.
func (s *InspectorSession) DispatchProtocolMessage(message []uint16) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return errReleased("Session")
	}
	s.mu.Unlock()
	if err := s.target.checkUsable(); err != nil {
		return err
	}
	s.agent.resume()
	s.target.sched.postHandleTask(func() {
		s.handleMessage(message)
	})
	return nil
}

// handleMessage runs inside the target. The protocol handling itself lives
// with the engine; the session's job is echoing a well-formed response back
// through the owner's queue.
func (s *InspectorSession) handleMessage(message []uint16) {
	text := string(utf16.Decode(message))
	var req struct {
		ID int `json:"id"`
	}
	if err := jsonUnmarshal(text, &req); err != nil {
		s.deliverNotification(encodeUTF16(`{"method":"Inspector.targetCrashed","params":{}}`))
		return
	}
	s.deliverResponse(req.ID, encodeUTF16(`{"id":`+strconv.Itoa(req.ID)+`,"result":{}}`))
}

// deliverResponse schedules the user's onResponse callback on the session
// owner's side as a handle task.
func (s *InspectorSession) deliverResponse(callID int, message []uint16) {
	s.deliver(func() {
		s.mu.Lock()
		fn := s.onResponse
		s.mu.Unlock()
		if fn != nil {
			fn(callID, message)
		}
	})
}

func (s *InspectorSession) deliverNotification(message []uint16) {
	s.deliver(func() {
		s.mu.Lock()
		fn := s.onNotification
		s.mu.Unlock()
		if fn != nil {
			fn(message)
		}
	})
}

func (s *InspectorSession) deliver(fn func()) {
	if s.owner != nil {
		s.owner.sched.postHandleTask(fn)
		return
	}
	s.target.loop.post(fn)
}

// Dispose closes the session.
func (s *InspectorSession) Dispose() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return errReleased("Session")
	}
	s.disposed = true
	s.mu.Unlock()
	s.agent.mu.Lock()
	delete(s.agent.sessions, s.id)
	s.agent.mu.Unlock()
	return nil
}

func (s *InspectorSession) markDisposed() {
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}

// ServeInspector bridges a WebSocket connection onto an inspector session:
// inbound frames dispatch as protocol messages, responses and notifications
// write back as text frames. Blocks until the peer disconnects or ctx ends.
func ServeInspector(ctx context.Context, i *Isolate, w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	session, err := i.CreateInspectorSession()
	if err != nil {
		return err
	}
	defer func() { _ = session.Dispose() }()

	writeMu := sync.Mutex{}
	write := func(message []uint16) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.Write(ctx, websocket.MessageText, []byte(string(utf16.Decode(message))))
	}
	session.OnResponse(func(_ int, message []uint16) { write(message) })
	session.OnNotification(write)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil
		}
		if err := session.DispatchProtocolMessage(encodeUTF16(string(data))); err != nil {
			return err
		}
	}
}

func encodeUTF16(s string) []uint16 { return utf16.Encode([]rune(s)) }
