package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wacrm/internal/eventbus"
	"wacrm/internal/storage"
	"wacrm/internal/transport"
	logx "wacrm/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []string
	texts []string
	fail  map[string]error
	hook  func(n int, to transport.Recipient)
}

func (f *fakeSender) Send(ctx context.Context, to transport.Recipient, text string) error {
	f.mu.Lock()
	f.calls = append(f.calls, to.ID)
	f.texts = append(f.texts, text)
	n := len(f.calls)
	hook := f.hook
	err := f.fail[to.ID]
	f.mu.Unlock()
	if hook != nil {
		hook(n, to)
	}
	return err
}

func (f *fakeSender) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func fastSettings() Settings {
	return Settings{BaseDelay: time.Millisecond}
}

func people(n int) []transport.Recipient {
	out := make([]transport.Recipient, n)
	for i := range out {
		out[i] = transport.Recipient{ID: fmt.Sprintf("r%d", i+1), Kind: transport.Individual}
	}
	return out
}

func newTestService(t *testing.T, cfg Config, sender transport.Sender, bus eventbus.Bus, store storage.Store) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), bus, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitJob(t *testing.T, s *Service, h Handle) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := s.Wait(ctx, h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return snap
}

func TestDispatchIsolatesFailures(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"r3": errors.New("gateway said no")}}
	s := newTestService(t, Config{}, sender, nil, nil)

	h, err := s.StartDispatch(context.Background(), Job{Name: "promo", Recipients: people(5), Message: "hi", Settings: fastSettings()})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	snap := waitJob(t, s, h)

	if snap.Sent != 4 || snap.Failed != 1 || snap.Total != 5 {
		t.Fatalf("counts = %d/%d/%d, want 4/1/5", snap.Sent, snap.Failed, snap.Total)
	}
	if snap.Phase != Completed {
		t.Fatalf("phase = %s, want completed", snap.Phase)
	}
	if snap.Percent != 100 {
		t.Fatalf("percent = %v", snap.Percent)
	}
	if len(snap.Failures) != 1 || snap.Failures[0].RecipientID != "r3" || snap.Failures[0].Reason != "gateway said no" {
		t.Fatalf("failures = %+v", snap.Failures)
	}
	want := []string{"r1", "r2", "r3", "r4", "r5"}
	if got := sender.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("send order = %v, want %v", got, want)
	}
}

func TestDispatchRender(t *testing.T) {
	sender := &fakeSender{}
	s := newTestService(t, Config{}, sender, nil, nil)
	job := Job{
		Recipients: people(2),
		Message:    "hello",
		Settings:   fastSettings(),
		Render:     func(r transport.Recipient, m string) string { return m + " " + r.ID },
	}
	h, err := s.StartDispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	waitJob(t, s, h)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.texts[0] != "hello r1" || sender.texts[1] != "hello r2" {
		t.Fatalf("texts = %v", sender.texts)
	}
}

func TestStopDuringSendFinishesThatSend(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	sender := &fakeSender{}
	sender.hook = func(n int, _ transport.Recipient) {
		if n == 2 {
			close(reached)
			<-release
		}
	}
	s := newTestService(t, Config{}, sender, nil, nil)
	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(10), Message: "x", Settings: fastSettings()})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}

	<-reached
	if ok, err := s.StopJob(h); err != nil || !ok {
		t.Fatalf("StopJob = %v, %v", ok, err)
	}
	close(release)
	snap := waitJob(t, s, h)

	if snap.Phase != Stopped {
		t.Fatalf("phase = %s, want stopped", snap.Phase)
	}
	if snap.Sent != 2 || snap.Failed != 0 || snap.Total != 2 {
		t.Fatalf("counts = %d/%d/%d, want 2/0/2", snap.Sent, snap.Failed, snap.Total)
	}
	if n := len(sender.Calls()); n != 2 {
		t.Fatalf("sends = %d, want 2", n)
	}
	if ok, _ := s.StopJob(h); ok {
		t.Fatal("second StopJob reported a transition")
	}
}

func TestPauseResumeMatchesUninterrupted(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	sender := &fakeSender{fail: map[string]error{"r4": errors.New("boom")}}
	sender.hook = func(n int, _ transport.Recipient) {
		if n == 2 {
			close(reached)
			<-release
		}
	}
	s := newTestService(t, Config{}, sender, nil, nil)
	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(5), Message: "x", Settings: fastSettings()})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}

	<-reached
	if ok, _ := s.Pause(h); !ok {
		t.Fatal("Pause rejected while running")
	}
	close(release)

	time.Sleep(30 * time.Millisecond)
	if n := len(sender.Calls()); n != 2 {
		t.Fatalf("sends while paused = %d, want 2", n)
	}
	snap, _ := s.Progress(h)
	if snap.Phase != Paused || snap.Sent != 2 {
		t.Fatalf("paused snapshot = %+v", snap)
	}

	if ok, _ := s.Resume(h); !ok {
		t.Fatal("Resume rejected while paused")
	}
	snap = waitJob(t, s, h)
	if snap.Phase != Completed || snap.Sent != 4 || snap.Failed != 1 || snap.Total != 5 {
		t.Fatalf("final = %+v", snap)
	}
	want := []string{"r1", "r2", "r3", "r4", "r5"}
	if got := sender.Calls(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("send order = %v, want %v", got, want)
	}
}

func TestGroupWeight(t *testing.T) {
	sender := &fakeSender{fail: map[string]error{"g1": errors.New("not admin")}}
	s := newTestService(t, Config{}, sender, nil, nil)
	rcpts := []transport.Recipient{
		{ID: "a", Kind: transport.Individual},
		{ID: "g1", Kind: transport.Group, MemberCount: 25},
		{ID: "b", Kind: transport.Individual},
	}
	h, err := s.StartDispatch(context.Background(), Job{Recipients: rcpts, Message: "x", Settings: fastSettings()})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	snap := waitJob(t, s, h)
	if snap.Total != 27 || snap.Sent != 2 || snap.Failed != 25 {
		t.Fatalf("counts = %d/%d/%d, want 2/25/27", snap.Sent, snap.Failed, snap.Total)
	}
}

func TestStopDuringCooldownIsImmediate(t *testing.T) {
	reached := make(chan struct{})
	sender := &fakeSender{}
	sender.hook = func(n int, _ transport.Recipient) {
		if n == 1 {
			close(reached)
		}
	}
	s := newTestService(t, Config{}, sender, nil, nil)
	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(3), Message: "x", Settings: Settings{BaseDelay: time.Hour}})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	<-reached
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	s.StopJob(h)
	snap := waitJob(t, s, h)
	if took := time.Since(start); took > time.Second {
		t.Fatalf("stop took %v", took)
	}
	if snap.Phase != Stopped || snap.Sent != 1 || snap.Total != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStopWhilePausedIsImmediate(t *testing.T) {
	reached := make(chan struct{})
	sender := &fakeSender{}
	sender.hook = func(n int, _ transport.Recipient) {
		if n == 1 {
			close(reached)
		}
	}
	s := newTestService(t, Config{}, sender, nil, nil)
	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(4), Message: "x", Settings: Settings{BaseDelay: 20 * time.Millisecond}})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	<-reached
	if ok, _ := s.Pause(h); !ok {
		t.Fatal("Pause rejected while running")
	}
	// past the cooldown, so the loop is parked waiting for resume
	time.Sleep(80 * time.Millisecond)
	if snap, _ := s.Progress(h); snap.Phase != Paused {
		t.Fatalf("phase = %s, want paused", snap.Phase)
	}

	start := time.Now()
	if ok, _ := s.StopJob(h); !ok {
		t.Fatal("StopJob rejected while paused")
	}
	snap := waitJob(t, s, h)
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("stop while paused took %v", took)
	}
	if snap.Phase != Stopped || snap.Total != snap.Sent+snap.Failed || snap.Sent != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(sender.Calls()); n != 1 {
		t.Fatalf("sends after stop: total calls = %d, want 1", n)
	}
}

func TestPanickingSendIsRecipientFailure(t *testing.T) {
	sender := &fakeSender{}
	sender.hook = func(n int, _ transport.Recipient) {
		if n == 2 {
			panic("transport bug")
		}
	}
	s := newTestService(t, Config{MaxActiveJobs: 1}, sender, nil, nil)
	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(3), Message: "x", Settings: fastSettings()})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	snap := waitJob(t, s, h)
	if snap.Phase != Completed || snap.Sent != 2 || snap.Failed != 1 || snap.Total != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Failures) != 1 || snap.Failures[0].RecipientID != "r2" || !strings.Contains(snap.Failures[0].Reason, "transport bug") {
		t.Fatalf("failures = %+v", snap.Failures)
	}

	// the slot is free again, and a panicking Render is isolated the same way
	job := Job{
		Recipients: people(2),
		Message:    "x",
		Settings:   fastSettings(),
		Render: func(r transport.Recipient, m string) string {
			if r.ID == "r1" {
				panic("bad template")
			}
			return m
		},
	}
	h, err = s.StartDispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("second StartDispatch: %v", err)
	}
	snap = waitJob(t, s, h)
	if snap.Phase != Completed || snap.Sent != 1 || snap.Failed != 1 {
		t.Fatalf("render panic snapshot = %+v", snap)
	}
	if !errors.Is(deliverOne(context.Background(), sender, job, people(1)[0]), ErrSendPanic) {
		t.Fatal("render panic should wrap ErrSendPanic")
	}
}

func TestStartDispatchOnCanceledSupervisorIsRefused(t *testing.T) {
	sender := &fakeSender{}
	s := newTestService(t, Config{}, sender, nil, nil)
	// Stop cancels the supervisor before anything else; a registration
	// racing with it must not start a loop.
	s.Supervisor().Cancel()

	job := Job{Recipients: people(1), Message: "x", Settings: fastSettings()}
	if _, err := s.StartDispatch(context.Background(), job); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
	if len(s.List()) != 0 || len(sender.Calls()) != 0 {
		t.Fatal("job registered or sent on a canceled supervisor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.StartDispatch(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled ctx: err = %v", err)
	}
}

func TestCooldownEvents(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64)
	defer unsub()

	s := newTestService(t, Config{}, &fakeSender{}, bus, nil)
	settings := Settings{
		BaseDelay: time.Millisecond,
		Tiers:     []Tier{{EveryN: 2, Delay: 2 * time.Millisecond}},
		Adaptive:  true,
	}
	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(4), Message: "x", Settings: settings})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	waitJob(t, s, h)

	var reasons []string
	var finished int
	for len(ch) > 0 {
		e := <-ch
		switch e.Type {
		case eventbus.TypeDispatchCooldown:
			reasons = append(reasons, e.Data.(CooldownEvent).Reason)
		case eventbus.TypeDispatchFinished:
			finished++
		}
	}
	if fmt.Sprint(reasons) != fmt.Sprint([]string{"base", "every 2", "base"}) {
		t.Fatalf("cooldown reasons = %v", reasons)
	}
	if finished != 1 {
		t.Fatalf("finished events = %d, want 1", finished)
	}
}

func TestStartDispatchRejects(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	job := Job{Recipients: people(1), Message: "x", Settings: fastSettings()}

	if _, err := s.StartDispatch(context.Background(), job); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("not started: err = %v", err)
	}
	s.Start(context.Background())
	defer s.Stop(context.Background())

	cases := map[string]struct {
		job  Job
		want error
	}{
		"no recipients": {Job{Message: "x", Settings: fastSettings()}, ErrNoRecipients},
		"empty message": {Job{Recipients: people(1), Settings: fastSettings()}, ErrInvalidConfig},
		"negative base": {Job{Recipients: people(1), Message: "x", Settings: Settings{BaseDelay: -time.Second}}, ErrInvalidConfig},
		"bad tier":      {Job{Recipients: people(1), Message: "x", Settings: Settings{BaseDelay: time.Second, Tiers: []Tier{{EveryN: 3}}}}, ErrInvalidConfig},
		"bad kind":      {Job{Recipients: []transport.Recipient{{ID: "x", Kind: "channel"}}, Message: "x", Settings: fastSettings()}, ErrInvalidConfig},
	}
	for name, tc := range cases {
		if _, err := s.StartDispatch(context.Background(), tc.job); !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", name, err, tc.want)
		}
	}

	if _, err := s.Progress("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Progress unknown: %v", err)
	}
	if _, err := s.Pause("nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Pause unknown: %v", err)
	}
}

func TestStartDispatchUsesDefaults(t *testing.T) {
	s := newTestService(t, Config{Defaults: fastSettings()}, &fakeSender{}, nil, nil)
	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(2), Message: "x"})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	if snap := waitJob(t, s, h); snap.Sent != 2 {
		t.Fatalf("sent = %d", snap.Sent)
	}
}

func TestStartDispatchRejectsZeroBaseWithTiers(t *testing.T) {
	s := newTestService(t, Config{Defaults: fastSettings()}, &fakeSender{}, nil, nil)
	job := Job{Recipients: people(1), Message: "x", Settings: Settings{Tiers: []Tier{{EveryN: 2, Delay: time.Second}}}}
	if _, err := s.StartDispatch(context.Background(), job); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestTooManyJobs(t *testing.T) {
	release := make(chan struct{})
	sender := &fakeSender{hook: func(int, transport.Recipient) { <-release }}
	s := newTestService(t, Config{MaxActiveJobs: 1}, sender, nil, nil)

	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(1), Message: "x", Settings: fastSettings()})
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := s.StartDispatch(context.Background(), Job{Recipients: people(1), Message: "x", Settings: fastSettings()}); !errors.Is(err, ErrTooManyJobs) {
		t.Fatalf("second: err = %v, want ErrTooManyJobs", err)
	}
	close(release)
	waitJob(t, s, h)

	if _, err := s.StartDispatch(context.Background(), Job{Recipients: people(1), Message: "x", Settings: fastSettings()}); err != nil {
		t.Fatalf("after finish: %v", err)
	}
}

func TestServiceStopStopsJobs(t *testing.T) {
	s := New(Config{}, &fakeSender{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	h, err := s.StartDispatch(context.Background(), Job{Recipients: people(3), Message: "x", Settings: Settings{BaseDelay: time.Hour}})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	snap, err := s.Progress(h)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if snap.Phase != Stopped {
		t.Fatalf("phase = %s, want stopped", snap.Phase)
	}
	if snap.Sent+snap.Failed != snap.Total {
		t.Fatalf("stopped job did not settle: %+v", snap)
	}
}

func TestJobPersisted(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "wacrm.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	sender := &fakeSender{fail: map[string]error{"r2": errors.New("bad number")}}
	s := newTestService(t, Config{}, sender, nil, st)
	h, err := s.StartDispatch(context.Background(), Job{Name: "persist", Recipients: people(3), Message: "x", Settings: fastSettings()})
	if err != nil {
		t.Fatalf("StartDispatch: %v", err)
	}
	waitJob(t, s, h)

	recs, err := st.RecentJobs(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentJobs: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != string(h) || recs[0].Phase != "completed" || recs[0].Failed != 1 {
		t.Fatalf("records = %+v", recs)
	}
	if len(recs[0].Failures) != 1 || recs[0].Failures[0].RecipientID != "r2" {
		t.Fatalf("failures = %+v", recs[0].Failures)
	}
}

func TestPruneStatus(t *testing.T) {
	s := newTestService(t, Config{StatusMax: 1}, &fakeSender{}, nil, nil)
	var last Handle
	for i := 0; i < 3; i++ {
		h, err := s.StartDispatch(context.Background(), Job{Recipients: people(1), Message: "x", Settings: fastSettings()})
		if err != nil {
			t.Fatalf("StartDispatch: %v", err)
		}
		waitJob(t, s, h)
		last = h
	}
	s.PruneStatus()
	list := s.List()
	if len(list) != 1 || list[0].ID != last {
		t.Fatalf("retained = %+v", list)
	}
}
