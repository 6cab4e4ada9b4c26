package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/hackgods/patient-flow-orchestrator/internal/appointment"
	"github.com/hackgods/patient-flow-orchestrator/internal/audit"
)

type notice struct {
	AppointmentID string
	Position      int
	Wait          time.Duration
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (r *recordingNotifier) NotifyQueueUpdate(_ context.Context, id string, pos int, wait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice{id, pos, wait})
}

func (r *recordingNotifier) take() []notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.notices
	r.notices = nil
	return out
}

type ManagerSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	store    *audit.MemoryStore
	notifier *recordingNotifier
	mgr      *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	s.store = audit.NewMemoryStore()
	s.notifier = &recordingNotifier{}
	sink := audit.NewSink(s.store, audit.Retention{Session: time.Hour, Trail: time.Hour})
	s.mgr = NewManager(15*time.Minute, sink,
		WithClock(func() time.Time { return s.now }),
		WithNotifier(s.notifier),
	)
}

func (s *ManagerSuite) enqueue(id, doctor string) Entry {
	e, err := s.mgr.Enqueue(s.ctx, id, doctor, appointment.PriorityNormal)
	s.Require().NoError(err)
	return e
}

func (s *ManagerSuite) positions(doctor string) map[string]int {
	out := map[string]int{}
	for _, item := range s.mgr.Snapshot(doctor) {
		out[item.AppointmentID] = item.Position
	}
	return out
}

func (s *ManagerSuite) TestDoctorDayScenario() {
	s.enqueue("A1", "D")
	s.enqueue("A2", "D")
	s.Equal(map[string]int{"A1": 1, "A2": 2}, s.positions("D"))

	called, ok := s.mgr.CallNext(s.ctx, "D")
	s.Require().True(ok)
	s.Equal("A1", called.AppointmentID)
	s.Equal(StateInProgress, called.State)

	snap := s.mgr.Snapshot("D")
	s.Require().Len(snap, 1)
	s.Equal("A2", snap[0].AppointmentID)
	s.Equal(1, snap[0].Position)

	done, err := s.mgr.Complete(s.ctx, "A1")
	s.Require().NoError(err)
	s.Equal(StateCompleted, done.State)
	_, live := s.mgr.Lookup("A1")
	s.False(live)

	s.enqueue("A3", "D")
	s.Equal(map[string]int{"A2": 1, "A3": 2}, s.positions("D"))
}

func (s *ManagerSuite) TestEnqueueRejectsLiveDuplicate() {
	s.enqueue("A1", "D")
	_, err := s.mgr.Enqueue(s.ctx, "A1", "D", appointment.PriorityNormal)
	s.ErrorIs(err, ErrAlreadyQueued)

	_, err = s.mgr.Enqueue(s.ctx, "A1", "OTHER", appointment.PriorityNormal)
	s.ErrorIs(err, ErrAlreadyQueued)
}

func (s *ManagerSuite) TestEnqueueRejectsTerminalAppointment() {
	s.enqueue("A1", "D")
	_, err := s.mgr.Cancel(s.ctx, "A1")
	s.Require().NoError(err)

	_, err = s.mgr.Enqueue(s.ctx, "A1", "D", appointment.PriorityNormal)
	s.ErrorIs(err, ErrInvalidTransition)
}

func (s *ManagerSuite) TestCallNextIsStableFIFOIgnoringPriority() {
	// identical enqueue timestamps: call order decides
	_, err := s.mgr.Enqueue(s.ctx, "low-first", "D", appointment.PriorityLow)
	s.Require().NoError(err)
	_, err = s.mgr.Enqueue(s.ctx, "high-second", "D", appointment.PriorityHigh)
	s.Require().NoError(err)

	e, ok := s.mgr.CallNext(s.ctx, "D")
	s.Require().True(ok)
	s.Equal("low-first", e.AppointmentID)

	e, ok = s.mgr.CallNext(s.ctx, "D")
	s.Require().True(ok)
	s.Equal("high-second", e.AppointmentID)

	_, ok = s.mgr.CallNext(s.ctx, "D")
	s.False(ok)
	_, ok = s.mgr.CallNext(s.ctx, "unknown-doctor")
	s.False(ok)
}

func (s *ManagerSuite) TestSnapshotSurfacesPriority() {
	_, err := s.mgr.Enqueue(s.ctx, "A1", "D", appointment.PriorityHigh)
	s.Require().NoError(err)
	snap := s.mgr.Snapshot("D")
	s.Require().Len(snap, 1)
	s.Equal(appointment.PriorityHigh, snap[0].Priority)
	s.Empty(s.mgr.Snapshot("nobody"))
}

func (s *ManagerSuite) TestStartOutOfOrder() {
	s.enqueue("A1", "D")
	s.enqueue("A2", "D")
	s.enqueue("A3", "D")

	e, err := s.mgr.Start(s.ctx, "A2")
	s.Require().NoError(err)
	s.Equal(StateInProgress, e.State)
	s.Equal(0, e.Position)
	s.Equal(map[string]int{"A1": 1, "A3": 2}, s.positions("D"))

	_, err = s.mgr.Start(s.ctx, "A2")
	s.ErrorIs(err, ErrInvalidTransition)
}

func (s *ManagerSuite) TestInvalidTransitions() {
	s.enqueue("A1", "D")

	_, err := s.mgr.Complete(s.ctx, "A1")
	s.ErrorIs(err, ErrInvalidTransition, "waiting cannot complete")

	_, err = s.mgr.Start(s.ctx, "A1")
	s.Require().NoError(err)
	_, err = s.mgr.Complete(s.ctx, "A1")
	s.Require().NoError(err)

	_, err = s.mgr.Complete(s.ctx, "A1")
	s.ErrorIs(err, ErrInvalidTransition, "completed is terminal")
	_, err = s.mgr.Cancel(s.ctx, "A1")
	s.ErrorIs(err, ErrInvalidTransition)

	_, err = s.mgr.Start(s.ctx, "never-seen")
	s.ErrorIs(err, ErrNotQueued)
}

func (s *ManagerSuite) TestCancelFromInProgress() {
	s.enqueue("A1", "D")
	_, ok := s.mgr.CallNext(s.ctx, "D")
	s.Require().True(ok)

	e, err := s.mgr.Cancel(s.ctx, "A1")
	s.Require().NoError(err)
	s.Equal(StateCancelled, e.State)

	st, ok := s.mgr.State("A1")
	s.True(ok)
	s.Equal(StateCancelled, st)
}

func (s *ManagerSuite) TestEstimateWait() {
	for i := 1; i <= 4; i++ {
		s.enqueue(fmt.Sprintf("A%d", i), "D")
	}

	var prev time.Duration = -1
	for i := 4; i >= 1; i-- {
		w, err := s.mgr.EstimateWait(fmt.Sprintf("A%d", i))
		s.Require().NoError(err)
		s.Equal(time.Duration(i-1)*15*time.Minute, w)
		if prev >= 0 {
			s.LessOrEqual(w, prev, "wait must not grow as position approaches 1")
		}
		prev = w
	}

	_, ok := s.mgr.CallNext(s.ctx, "D")
	s.Require().True(ok)
	w, err := s.mgr.EstimateWait("A1")
	s.Require().NoError(err)
	s.Zero(w, "in progress waits for nobody")

	_, err = s.mgr.EstimateWait("missing")
	s.ErrorIs(err, ErrNotQueued)
}

func (s *ManagerSuite) TestAverageConsultationAdaptsToHistory() {
	s.Equal(15*time.Minute, s.mgr.Stats("D").AverageConsultation, "default before history")

	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("A%d", i)
		s.enqueue(id, "D")
		_, ok := s.mgr.CallNext(s.ctx, "D")
		s.Require().True(ok)
		s.now = s.now.Add(5 * time.Minute)
		_, err := s.mgr.Complete(s.ctx, id)
		s.Require().NoError(err)
	}

	avg := s.mgr.Stats("D").AverageConsultation
	s.InDelta(float64(5*time.Minute), float64(avg), float64(5*time.Second))

	s.enqueue("B1", "D")
	s.enqueue("B2", "D")
	w, err := s.mgr.EstimateWait("B2")
	s.Require().NoError(err)
	s.Equal(avg, w)
}

func (s *ManagerSuite) TestNotifiesMovedEntries() {
	s.enqueue("A1", "D")
	s.enqueue("A2", "D")
	s.enqueue("A3", "D")
	s.notifier.take()

	_, ok := s.mgr.CallNext(s.ctx, "D")
	s.Require().True(ok)

	s.Equal([]notice{
		{"A2", 1, 0},
		{"A3", 2, 15 * time.Minute},
	}, s.notifier.take())
}

func (s *ManagerSuite) TestEveryTransitionIsAudited() {
	s.enqueue("A1", "D")
	_, _ = s.mgr.CallNext(s.ctx, "D")
	_, err := s.mgr.Complete(s.ctx, "A1")
	s.Require().NoError(err)

	var actions []string
	for _, e := range s.store.Entries() {
		actions = append(actions, e.Action)
		s.Equal("A1", e.Metadata["appointment_id"])
	}
	s.Equal([]string{audit.ActionQueueEnqueued, audit.ActionQueueCalled, audit.ActionQueueCompleted}, actions)
}

func (s *ManagerSuite) TestStats() {
	s.enqueue("A1", "D")
	s.enqueue("A2", "D")
	s.enqueue("A3", "D")
	_, _ = s.mgr.CallNext(s.ctx, "D")
	_, err := s.mgr.Cancel(s.ctx, "A3")
	s.Require().NoError(err)

	st := s.mgr.Stats("D")
	s.Equal(1, st.Waiting)
	s.Equal(1, st.InProgress)
	s.Equal(1, st.Cancelled)
	s.Equal(0, st.Completed)
}

func (s *ManagerSuite) TestClosedAppointmentsAreForgottenAfterHorizon() {
	s.enqueue("A1", "D")
	_, err := s.mgr.Cancel(s.ctx, "A1")
	s.Require().NoError(err)

	st, ok := s.mgr.State("A1")
	s.Require().True(ok)
	s.Equal(StateCancelled, st)

	s.now = s.now.Add(ClosedHorizon + time.Minute)
	s.enqueue("A2", "D")
	_, _ = s.mgr.CallNext(s.ctx, "D")
	_, err = s.mgr.Complete(s.ctx, "A2")
	s.Require().NoError(err)

	_, ok = s.mgr.State("A1")
	s.False(ok)
	st, ok = s.mgr.State("A2")
	s.True(ok)
	s.Equal(StateCompleted, st)

	// forgotten, so a new visit under the same id is accepted
	s.enqueue("A1", "D")
}

type gateNotifier struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateNotifier) NotifyQueueUpdate(context.Context, string, int, time.Duration) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
}

func TestNoticesFinishBeforeTheNextMutation(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(15*time.Minute, audit.NewSink(audit.NewMemoryStore(), audit.Retention{Session: time.Hour, Trail: time.Hour}))
	_, err := mgr.Enqueue(ctx, "W", "D", appointment.PriorityNormal)
	require.NoError(t, err)
	_, err = mgr.Enqueue(ctx, "A", "D", appointment.PriorityNormal)
	require.NoError(t, err)

	gate := &gateNotifier{entered: make(chan struct{}), release: make(chan struct{})}
	mgr.SetNotifier(gate)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = mgr.Cancel(ctx, "W")
	}()
	<-gate.entered

	cancelled := make(chan struct{})
	go func() {
		_, _ = mgr.Cancel(ctx, "A")
		close(cancelled)
	}()

	assert.Never(t, func() bool {
		select {
		case <-cancelled:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "A was cancelled while the notice for its move was still going out")

	close(gate.release)
	wg.Wait()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel of A never finished")
	}
	st, ok := mgr.State("A")
	require.True(t, ok)
	assert.Equal(t, StateCancelled, st)
}

// assertDense checks that Waiting positions are exactly 1..N.
func assertDense(t *testing.T, snap []SnapshotItem) {
	t.Helper()
	got := make([]int, len(snap))
	for i, item := range snap {
		got[i] = item.Position
	}
	sort.Ints(got)
	for i, p := range got {
		require.Equal(t, i+1, p, "positions %v are not dense", got)
	}
}

func TestPositionsStayDenseUnderRandomOperations(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewSink(audit.NewMemoryStore(), audit.Retention{Session: time.Hour, Trail: time.Hour})
	mgr := NewManager(10*time.Minute, sink)
	rng := rand.New(rand.NewSource(42))

	var live []string
	next := 0
	for step := 0; step < 2000; step++ {
		switch op := rng.Intn(5); {
		case op <= 1 || len(live) == 0:
			id := fmt.Sprintf("A%d", next)
			next++
			_, err := mgr.Enqueue(ctx, id, "D", appointment.PriorityNormal)
			require.NoError(t, err)
			live = append(live, id)
		case op == 2:
			mgr.CallNext(ctx, "D")
		case op == 3:
			i := rng.Intn(len(live))
			if _, err := mgr.Complete(ctx, live[i]); err == nil {
				live = append(live[:i], live[i+1:]...)
			}
		default:
			i := rng.Intn(len(live))
			if _, err := mgr.Start(ctx, live[i]); err != nil {
				_, err = mgr.Cancel(ctx, live[i])
				require.NoError(t, err)
				live = append(live[:i], live[i+1:]...)
			}
		}
		assertDense(t, mgr.Snapshot("D"))
	}
}

func TestConcurrentDoctorsAndCallers(t *testing.T) {
	ctx := context.Background()
	sink := audit.NewSink(audit.NewMemoryStore(), audit.Retention{Session: time.Hour, Trail: time.Hour})
	mgr := NewManager(10*time.Minute, sink)

	const doctors, perDoctor = 8, 50
	var wg sync.WaitGroup
	for d := 0; d < doctors; d++ {
		for i := 0; i < perDoctor; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := mgr.Enqueue(ctx, fmt.Sprintf("D%d-A%d", d, i), fmt.Sprintf("D%d", d), appointment.PriorityNormal)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for d := 0; d < doctors; d++ {
		snap := mgr.Snapshot(fmt.Sprintf("D%d", d))
		require.Len(t, snap, perDoctor)
		assertDense(t, snap)
	}

	// concurrent CallNext never hands out the same entry twice
	seen := sync.Map{}
	for i := 0; i < perDoctor; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, ok := mgr.CallNext(ctx, "D0")
			if !assert.True(t, ok) {
				return
			}
			_, dup := seen.LoadOrStore(e.AppointmentID, true)
			assert.False(t, dup, "entry %s called twice", e.AppointmentID)
		}()
	}
	wg.Wait()
	assert.Empty(t, mgr.Snapshot("D0"))
}
