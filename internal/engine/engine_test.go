package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"kerya/internal/config"
	"kerya/internal/db"
	"kerya/internal/domain"
	"kerya/internal/engine"
	"kerya/internal/engine/auth"
	"kerya/internal/interval"
	"kerya/internal/jobs"
	"kerya/internal/migrate"
	"kerya/internal/repo"
)

var t0 = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	jobs []*jobs.Job
}

func (r *recorder) Publish(ctx context.Context, j *jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, j)
	return nil
}

func (r *recorder) notifications() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, j := range r.jobs {
		if j.Type == jobs.TypeNotify {
			ev, _ := j.GetString("event")
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Clock  *clock
	Jobs   *recorder
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Retry.Attempts = 10
	cfg.Retry.BaseDelay = 5 * time.Millisecond
	eng := engine.New(conn, db.SQLite, cfg)
	clk := &clock{now: t0}
	rec := &recorder{}
	eng.Now = clk.Now
	eng.Jobs = rec
	return testEnv{Engine: eng, Ctx: context.Background(), Clock: clk, Jobs: rec}
}

func (env testEnv) resource(t *testing.T, kind string) domain.Resource {
	t.Helper()
	res, err := env.Engine.CreateResource(env.Ctx, engine.ResourceCreateOptions{
		OwnerID: "host-1", Kind: kind, Title: "Dar El Bahr", Capacity: 4,
	})
	if err != nil {
		t.Fatalf("create resource: %v", err)
	}
	return res
}

func at(hour, min int) time.Time {
	return time.Date(2025, 6, 10, hour, min, 0, 0, time.UTC)
}

func span(from, to time.Time) interval.Interval {
	return interval.Interval{Start: from, End: to}
}

func repoFilter(resourceID, status string) repo.ReservationFilter {
	return repo.ReservationFilter{ResourceID: resourceID, Status: status}
}

func TestConcurrentOverlappingRequestsOneWins(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	windows := []interval.Interval{span(at(10, 0), at(11, 0)), span(at(10, 30), at(11, 30))}
	for i := 0; i < 6; i++ {
		windows = append(windows, span(at(9, 0).Add(time.Duration(i)*15*time.Minute), at(12, 0)))
	}

	var wg sync.WaitGroup
	results := make([]error, len(windows))
	for i, w := range windows {
		wg.Add(1)
		go func(i int, w interval.Interval) {
			defer wg.Done()
			_, results[i] = env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{
				ResourceID: res.ID, Interval: w, ClientID: "client", Amount: 1000,
			})
		}(i, w)
	}
	wg.Wait()

	wins := 0
	for i, err := range results {
		if err == nil {
			wins++
			continue
		}
		var ce domain.ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("request %d: expected ConflictError, got %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	holds, err := env.Engine.ListReservations(env.Ctx, repoFilter(res.ID, ""))
	if err != nil {
		t.Fatal(err)
	}
	if len(holds) != 1 || holds[0].Status != domain.ReservationPendingHold {
		t.Fatalf("reservations = %+v", holds)
	}
}

func TestRequestIntervalsKeepStoragePrecision(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")

	a, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{
		ResourceID: res.ID, Interval: span(at(10, 0), at(11, 0).Add(2500*time.Nanosecond)), ClientID: "client-a",
	})
	if err != nil {
		t.Fatalf("request a: %v", err)
	}
	if want := at(11, 0).Add(2 * time.Microsecond); !a.Interval.End.Equal(want) {
		t.Fatalf("end = %v, want %v", a.Interval.End, want)
	}
	stored, err := env.Engine.GetReservation(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.Interval.Start.Equal(a.Interval.Start) || !stored.Interval.End.Equal(a.Interval.End) {
		t.Fatalf("stored %v, returned %v", stored.Interval, a.Interval)
	}

	// overlaps a by half a microsecond once both are truncated
	_, err = env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{
		ResourceID: res.ID, Interval: span(at(11, 0).Add(1500*time.Nanosecond), at(12, 0)), ClientID: "client-b",
	})
	var ce domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}

	b, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{
		ResourceID: res.ID, Interval: span(at(11, 0).Add(2900*time.Nanosecond), at(12, 0)), ClientID: "client-b",
	})
	if err != nil {
		t.Fatalf("request b: %v", err)
	}
	if b.Interval.Overlaps(a.Interval) {
		t.Fatalf("granted overlapping holds %v and %v", a.Interval, b.Interval)
	}

	_, err = env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{
		ResourceID: res.ID, Interval: span(at(14, 0).Add(100*time.Nanosecond), at(14, 0).Add(900*time.Nanosecond)), ClientID: "client-c",
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "interval" {
		t.Fatalf("expected interval ValidationError, got %v", err)
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "house")
	cases := []struct {
		name string
		req  engine.ReservationRequest
	}{
		{"empty interval", engine.ReservationRequest{Interval: span(at(10, 0), at(10, 0))}},
		{"past", engine.ReservationRequest{Interval: span(t0.Add(-time.Hour), t0.Add(time.Hour))}},
		{"beyond horizon", engine.ReservationRequest{Interval: span(t0.AddDate(2, 0, 0), t0.AddDate(2, 0, 1))}},
		{"over capacity", engine.ReservationRequest{Interval: span(at(10, 0), at(11, 0)), Guests: 9}},
		{"negative amount", engine.ReservationRequest{Interval: span(at(10, 0), at(11, 0)), Amount: -1}},
	}
	for _, c := range cases {
		c.req.ResourceID = res.ID
		c.req.ClientID = "client"
		_, err := env.Engine.RequestReservation(env.Ctx, c.req)
		var ve domain.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected ValidationError, got %v", c.name, err)
		}
	}
}

func TestHoldExpiresAndIntervalBecomesBookable(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	w := span(at(10, 0), at(11, 0))
	first, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: w, ClientID: "a"})
	if err != nil {
		t.Fatalf("first hold: %v", err)
	}
	if _, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: w, ClientID: "b"}); err == nil {
		t.Fatalf("expected conflict while hold is live")
	}

	env.Clock.Advance(16 * time.Minute)
	out, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if out.ExpiredHolds != 1 {
		t.Fatalf("expired holds = %d", out.ExpiredHolds)
	}
	again, err := env.Engine.SweepExpired(env.Ctx)
	if err != nil || again.ExpiredHolds != 0 {
		t.Fatalf("second sweep = %+v, %v", again, err)
	}
	got, _ := env.Engine.GetReservation(env.Ctx, first.ID)
	if got.Status != domain.ReservationExpired || got.ClosedAt == nil {
		t.Fatalf("first = %+v", got)
	}
	if _, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: w, ClientID: "b"}); err != nil {
		t.Fatalf("rebook after expiry: %v", err)
	}
}

func TestConfirmAfterHoldWindowReturnsExpired(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	rv, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: span(at(10, 0), at(11, 0)), ClientID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(15 * time.Minute)
	_, err = env.Engine.ConfirmReservation(env.Ctx, rv.ID, "host-1")
	var ee domain.ExpiredError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExpiredError, got %v", err)
	}
	got, _ := env.Engine.GetReservation(env.Ctx, rv.ID)
	if got.Status != domain.ReservationExpired {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestConfirmRequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	rv, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: span(at(10, 0), at(11, 0)), ClientID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.ConfirmReservation(env.Ctx, rv.ID, "a")
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	got, err := env.Engine.ConfirmReservation(env.Ctx, rv.ID, "host-1")
	if err != nil || got.Status != domain.ReservationConfirmed {
		t.Fatalf("confirm: %+v %v", got, err)
	}
	again, err := env.Engine.ConfirmReservation(env.Ctx, rv.ID, "host-1")
	if err != nil || again.Version != got.Version {
		t.Fatalf("repeat confirm changed state: %+v %v", again, err)
	}
}

// insertStaleHold writes an overlapping hold straight into the store, as a
// lagging replica could have granted it.
func insertStaleHold(t *testing.T, env testEnv, resourceID, id string, w interval.Interval) {
	t.Helper()
	expires := t0.Add(time.Hour)
	err := env.Engine.Repo.WithTx(env.Ctx, func(tx *sql.Tx) error {
		rv := domain.Reservation{
			ID: id, Reference: "RSV-STALE", ResourceID: resourceID, Interval: w, ClientID: "b", Guests: 1,
			Currency: "DZD", Status: domain.ReservationPendingHold, HoldExpiresAt: &expires, Version: 1,
			CreatedAt: t0, UpdatedAt: t0,
		}
		if err := env.Engine.Repo.InsertReservationTx(env.Ctx, tx, rv); err != nil {
			return err
		}
		return env.Engine.Repo.CommitIntervalTx(env.Ctx, tx, resourceID, id, w)
	})
	if err != nil {
		t.Fatalf("insert stale hold: %v", err)
	}
}

func TestConfirmRejectsBothOverlappingHolds(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	rv, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: span(at(10, 0), at(11, 0)), ClientID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	insertStaleHold(t, env, res.ID, "stale", span(at(10, 30), at(11, 30)))

	_, err = env.Engine.ConfirmReservation(env.Ctx, rv.ID, "host-1")
	var ce domain.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	for _, id := range []string{rv.ID, "stale"} {
		got, err := env.Engine.GetReservation(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.ReservationRejected {
			t.Fatalf("%s status = %s", id, got.Status)
		}
	}
	rejected := 0
	for _, ev := range env.Jobs.notifications() {
		if ev == "reservation.rejected" {
			rejected++
		}
	}
	if rejected != 2 {
		t.Fatalf("expected both clients notified, got %v", env.Jobs.notifications())
	}
	avail, err := env.Engine.Availability(env.Ctx, res.ID, span(at(9, 0), at(12, 0)))
	if err != nil {
		t.Fatal(err)
	}
	if len(avail.Busy) != 0 {
		t.Fatalf("rejected holds still busy: %+v", avail.Busy)
	}
}

func TestCancelIsIdempotentAndReportsRefund(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "house")
	start := time.Date(2025, 6, 4, 14, 0, 0, 0, time.UTC)
	rv, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{
		ResourceID: res.ID, Interval: span(start, start.Add(48*time.Hour)), ClientID: "guest", Amount: 20000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmReservation(env.Ctx, rv.ID, "host-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CancelReservation(env.Ctx, rv.ID, "stranger"); err == nil {
		t.Fatalf("stranger cancelled")
	}
	got, err := env.Engine.CancelReservation(env.Ctx, rv.ID, "guest")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// moderate policy, three days ahead
	if got.Status != domain.ReservationCancelledByClient || got.Refund == nil || *got.Refund != 0.5 {
		t.Fatalf("cancelled = %+v", got)
	}
	again, err := env.Engine.CancelReservation(env.Ctx, rv.ID, "guest")
	if err != nil || again.Version != got.Version {
		t.Fatalf("second cancel: %+v %v", again, err)
	}
	if _, err := env.Engine.CompleteReservation(env.Ctx, rv.ID, "host-1"); err == nil {
		t.Fatalf("completed a cancelled reservation")
	}
}

func TestClientCancelBeatsSweep(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	rv, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: span(at(10, 0), at(11, 0)), ClientID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	env.Clock.Advance(15 * time.Minute)
	var wg sync.WaitGroup
	var cancelErr, sweepErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelErr = env.Engine.CancelReservation(env.Ctx, rv.ID, "a")
	}()
	go func() {
		defer wg.Done()
		_, sweepErr = env.Engine.SweepExpired(env.Ctx)
	}()
	wg.Wait()
	if cancelErr != nil || sweepErr != nil {
		t.Fatalf("cancel=%v sweep=%v", cancelErr, sweepErr)
	}
	got, _ := env.Engine.GetReservation(env.Ctx, rv.ID)
	if got.Status != domain.ReservationCancelledByClient && got.Status != domain.ReservationExpired {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestCompleteReleasesInterval(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	w := span(at(10, 0), at(11, 0))
	rv, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: w, ClientID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.ConfirmReservation(env.Ctx, rv.ID, "host-1"); err != nil {
		t.Fatal(err)
	}
	done, err := env.Engine.CompleteReservation(env.Ctx, rv.ID, "host-1")
	if err != nil || done.Status != domain.ReservationCompleted {
		t.Fatalf("complete: %+v %v", done, err)
	}
	avail, err := env.Engine.Availability(env.Ctx, res.ID, span(at(9, 0), at(12, 0)))
	if err != nil {
		t.Fatal(err)
	}
	if len(avail.Free) != 1 || !avail.Free[0].Start.Equal(at(9, 0)) || !avail.Free[0].End.Equal(at(12, 0)) {
		t.Fatalf("free = %+v", avail.Free)
	}
}

func TestAvailabilitySnapshotTracksBookings(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	window := span(at(8, 0), at(14, 0))
	before, err := env.Engine.Availability(env.Ctx, res.ID, window)
	if err != nil {
		t.Fatal(err)
	}
	if len(before.Busy) != 0 || len(before.Free) != 1 {
		t.Fatalf("before = %+v", before)
	}
	if _, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: span(at(10, 0), at(11, 0)), ClientID: "a"}); err != nil {
		t.Fatal(err)
	}
	after, err := env.Engine.Availability(env.Ctx, res.ID, window)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Busy) != 1 || len(after.Free) != 2 {
		t.Fatalf("after = %+v", after)
	}
	if !after.Free[0].End.Equal(at(10, 0)) || !after.Free[1].Start.Equal(at(11, 0)) {
		t.Fatalf("free = %+v", after.Free)
	}
}

func TestUpdateResourceFreezesTemporalFields(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "house")
	title := "Dar El Bahr (renovated)"
	capacity := 6
	if _, err := env.Engine.UpdateResource(env.Ctx, engine.ResourceUpdateOptions{ID: res.ID, ActorID: "host-1", Capacity: &capacity}); err != nil {
		t.Fatalf("update before reservations: %v", err)
	}
	if _, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{
		ResourceID: res.ID, Interval: span(at(14, 0), at(14, 0).Add(48*time.Hour)), ClientID: "a",
	}); err != nil {
		t.Fatal(err)
	}
	capacity = 2
	_, err := env.Engine.UpdateResource(env.Ctx, engine.ResourceUpdateOptions{ID: res.ID, ActorID: "host-1", Capacity: &capacity})
	var ve domain.ValidationError
	if !errors.As(err, &ve) || ve.Field != "capacity" {
		t.Fatalf("expected capacity frozen, got %v", err)
	}
	got, err := env.Engine.UpdateResource(env.Ctx, engine.ResourceUpdateOptions{ID: res.ID, ActorID: "host-1", Title: &title})
	if err != nil || got.Title != title {
		t.Fatalf("title update: %+v %v", got, err)
	}
	if _, err := env.Engine.UpdateResource(env.Ctx, engine.ResourceUpdateOptions{ID: res.ID, ActorID: "host-2", Title: &title}); err == nil {
		t.Fatalf("non-owner updated resource")
	}
}

func TestNotificationsOnlyAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	w := span(at(10, 0), at(11, 0))
	if _, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: w, ClientID: "a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: w, ClientID: "b"}); err == nil {
		t.Fatal("expected conflict")
	}
	got := env.Jobs.notifications()
	if len(got) != 1 || got[0] != "reservation.hold" {
		t.Fatalf("notifications = %v", got)
	}
}

func TestEventsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	env.Clock.Advance(90 * time.Minute)
	if _, err := env.Engine.RequestReservation(env.Ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: span(at(10, 0), at(11, 0)), ClientID: "a"}); err != nil {
		t.Fatal(err)
	}
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: "reservation.hold", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 1 || evs[0].TS != repo.FormatTime(t0.Add(90*time.Minute)) {
		t.Fatalf("events = %+v", evs)
	}
}

type stalledQueue struct{}

func (stalledQueue) Publish(ctx context.Context, j *jobs.Job) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestBackedUpQueueDoesNotStallRequests(t *testing.T) {
	env := newTestEnv(t)
	res := env.resource(t, "event")
	env.Engine.Config.Queue.PublishTimeout = 20 * time.Millisecond
	env.Engine.Jobs = stalledQueue{}

	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	started := time.Now()
	rv, err := env.Engine.RequestReservation(ctx, engine.ReservationRequest{ResourceID: res.ID, Interval: span(at(10, 0), at(11, 0)), ClientID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("request blocked for %v on a full queue", elapsed)
	}
	if got, err := env.Engine.GetReservation(env.Ctx, rv.ID); err != nil || got.Status != domain.ReservationPendingHold {
		t.Fatalf("hold not committed: %+v %v", got, err)
	}
}
