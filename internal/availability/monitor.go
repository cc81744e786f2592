// Package availability tracks whether the live provider can be used. The
// state only moves towards Connected on an explicit Reconnect; connection
// failures observed by callers move it back to Disconnected.
package availability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"metalsdesk/internal/domain"
	"metalsdesk/internal/provider"
)

// Session opens the vendor session. provider.Provider satisfies it.
type Session interface {
	Start(ctx context.Context) error
}

// Monitor owns the SourceStatus. It is safe for concurrent use.
type Monitor struct {
	mu          sync.RWMutex
	state       domain.SourceState
	mode        domain.SourceMode
	name        string
	message     string
	lastErr     string
	lastChecked time.Time

	session Session
	// reconnecting holds one token while a Reconnect is in progress.
	reconnecting chan struct{}

	now func() time.Time
	log *slog.Logger

	subsMu    sync.Mutex
	nextSubID int
	subs      map[int]chan domain.SourceStatus
}

// New returns a Monitor for session. A nil session or a non-nil loadErr (the
// provider could not be constructed) leaves the source Unavailable for the
// life of the process. Otherwise it starts Disconnected.
func New(session Session, name string, mode domain.SourceMode, loadErr error, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		mode:         mode,
		name:         name,
		session:      session,
		reconnecting: make(chan struct{}, 1),
		now:          time.Now,
		log:          log.With("component", "availability"),
		subs:         make(map[int]chan domain.SourceStatus),
	}
	m.lastChecked = m.now().UTC()

	switch {
	case mode == domain.ModeOffline:
		m.state = domain.SourceUnavailable
		m.message = "offline mode: serving stored history only"
	case session == nil || loadErr != nil:
		m.state = domain.SourceUnavailable
		m.message = "live provider not installed"
		if loadErr != nil {
			m.message = fmt.Sprintf("live provider not installed: %v", loadErr)
			m.lastErr = loadErr.Error()
		}
	default:
		m.state = domain.SourceDisconnected
		m.message = fmt.Sprintf("%s available but not connected", name)
	}
	return m
}

// Status returns a snapshot of the current status.
func (m *Monitor) Status() domain.SourceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() domain.SourceStatus {
	return domain.SourceStatus{
		State:         m.state,
		Available:     m.state != domain.SourceUnavailable,
		Connected:     m.state == domain.SourceConnected,
		Mode:          m.mode,
		Provider:      m.name,
		Message:       m.message,
		LastError:     m.lastErr,
		LastCheckedAt: m.lastChecked,
	}
}

// Connected reports whether the live provider may be consulted.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == domain.SourceConnected
}

// Reconnect attempts to (re)open the vendor session. It is the only path
// into Connected. Concurrent calls are serialized. An Unavailable source
// returns ErrSourceUnavailable without trying. A caller waiting behind
// another attempt gives up when ctx ends.
func (m *Monitor) Reconnect(ctx context.Context) (domain.SourceStatus, error) {
	select {
	case m.reconnecting <- struct{}{}:
	case <-ctx.Done():
		return m.Status(), ctx.Err()
	}
	defer func() { <-m.reconnecting }()

	if st := m.Status(); st.State == domain.SourceUnavailable {
		return st, fmt.Errorf("%w: %s", domain.ErrSourceUnavailable, st.Message)
	}

	err := m.session.Start(ctx)

	m.mu.Lock()
	prev := m.state
	m.lastChecked = m.now().UTC()
	if err != nil {
		m.state = domain.SourceDisconnected
		m.message = fmt.Sprintf("%s available but not connected", m.name)
		m.lastErr = err.Error()
	} else {
		m.state = domain.SourceConnected
		m.message = fmt.Sprintf("connected to %s: live data available", m.name)
	}
	st := m.statusLocked()
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("reconnect failed", "provider", m.name, "error", err)
	} else {
		m.log.Info("live source connected", "provider", m.name)
	}
	if prev != st.State || err != nil {
		m.broadcast(st)
	}
	return st, err
}

// Observe reports the outcome of a provider call. Connection-level failures
// move Connected to Disconnected; data-level failures and successes leave
// the state alone.
func (m *Monitor) Observe(err error) {
	if err == nil || !provider.IsConnection(err) {
		return
	}

	m.mu.Lock()
	if m.state != domain.SourceConnected {
		m.mu.Unlock()
		return
	}
	m.state = domain.SourceDisconnected
	m.message = fmt.Sprintf("%s available but not connected", m.name)
	m.lastErr = err.Error()
	m.lastChecked = m.now().UTC()
	st := m.statusLocked()
	m.mu.Unlock()

	m.log.Warn("live source disconnected", "provider", m.name, "error", err)
	m.broadcast(st)
}

// ---------------------------------------------------------------------------
// Subscriptions
// ---------------------------------------------------------------------------

// Subscribe returns a channel that receives every status change. bufSize
// controls the channel buffer; slow consumers will have changes dropped.
func (m *Monitor) Subscribe(bufSize int) (int, <-chan domain.SourceStatus) {
	ch := make(chan domain.SourceStatus, bufSize)
	m.subsMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = ch
	m.subsMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *Monitor) Unsubscribe(id int) {
	m.subsMu.Lock()
	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
	m.subsMu.Unlock()
}

// broadcast sends st to all subscribers non-blocking (drop on full).
func (m *Monitor) broadcast(st domain.SourceStatus) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- st:
		default:
		}
	}
}
