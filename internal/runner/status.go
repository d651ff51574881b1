package runner

import (
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/overseer/internal/model"
)

// StatusObserver is notified synchronously on every status transition with a
// snapshot of run metadata. Observers are invoked in registration order; a
// panicking observer is isolated and never aborts the transition.
type StatusObserver interface {
	OnStatus(rec model.StatusRecord)
}

// StatusObserverFunc adapts a plain function to the StatusObserver interface.
type StatusObserverFunc func(model.StatusRecord)

// OnStatus implements StatusObserver.
func (f StatusObserverFunc) OnStatus(rec model.StatusRecord) { f(rec) }

// statusMachine owns one job's lifecycle status. All transitions are driven
// from the coordinator goroutine, so observers see them strictly ordered and
// never duplicated; reads may come from any goroutine.
type statusMachine struct {
	ident     string
	observers []StatusObserver
	logger    *slog.Logger

	mu         sync.Mutex
	status     string
	rc         *int
	timestamps map[string]time.Time
}

func newStatusMachine(ident string, observers []StatusObserver, logger *slog.Logger) *statusMachine {
	return &statusMachine{
		ident:      ident,
		observers:  observers,
		logger:     logger,
		status:     model.StatusUnstarted,
		timestamps: map[string]time.Time{model.StatusUnstarted: time.Now().UTC()},
	}
}

// transition moves the machine to the given status and notifies observers.
// Transitions out of a terminal state, and transitions the table forbids,
// are no-ops. Reports whether the move happened.
func (m *statusMachine) transition(to string) bool {
	m.mu.Lock()
	if model.TerminalStatus(m.status) || !model.ValidTransition(m.status, to) {
		from := m.status
		m.mu.Unlock()
		if from != to {
			m.logger.Debug("status transition ignored", "ident", m.ident, "from", from, "to", to)
		}
		return false
	}
	m.status = to
	m.timestamps[to] = time.Now().UTC()
	rec := m.snapshotLocked()
	m.mu.Unlock()

	for _, o := range m.observers {
		m.notify(o, rec)
	}
	return true
}

// setRC records the process exit code for inclusion in later snapshots.
func (m *statusMachine) setRC(rc int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rc = &rc
}

// Status returns the current lifecycle status.
func (m *statusMachine) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Snapshot returns a copy of the current run metadata.
func (m *statusMachine) Snapshot() model.StatusRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *statusMachine) snapshotLocked() model.StatusRecord {
	ts := make(map[string]time.Time, len(m.timestamps))
	for k, v := range m.timestamps {
		ts[k] = v
	}
	var rc *int
	if m.rc != nil {
		v := *m.rc
		rc = &v
	}
	return model.StatusRecord{
		Ident:      m.ident,
		Status:     m.status,
		RC:         rc,
		Timestamps: ts,
	}
}

func (m *statusMachine) notify(o StatusObserver, rec model.StatusRecord) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("status observer panicked",
				"ident", m.ident, "status", rec.Status, "panic", r)
		}
	}()
	o.OnStatus(rec)
}
