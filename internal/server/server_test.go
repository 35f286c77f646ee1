package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"kerya/internal/config"
	"kerya/internal/db"
	"kerya/internal/domain"
	"kerya/internal/engine"
	"kerya/internal/migrate"
	"kerya/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.Admins = []string{"ops"}
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, db.SQLite, cfg)
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	e.Now = func() time.Time { return now }
	log := logrus.New()
	log.SetOutput(io.Discard)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
		Log:      logrus.NewEntry(log),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) do(t *testing.T, method, path, actor string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Actor-Id", actor)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func window(fromHour, toHour int) map[string]any {
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	return map[string]any{
		"start": day.Add(time.Duration(fromHour) * time.Hour).Format(time.RFC3339),
		"end":   day.Add(time.Duration(toHour) * time.Hour).Format(time.RFC3339),
	}
}

func (s *testServer) createHall(t *testing.T, owner string) domain.Resource {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/v1/resources", owner, map[string]any{
		"kind": "event", "title": "Salle des fetes", "capacity": 200,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create resource: %d %s", res.StatusCode, string(data))
	}
	return decode[domain.Resource](t, data)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/v1/health", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(data))
	}
	res, data = srv.do(t, http.MethodGet, "/v1/resources", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
}

func TestBearerAndAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	token, _, err := SignToken(testSecret, "host-1", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	who := decode[WhoAmIResponse](t, data)
	if who.ActorID != "host-1" || who.Source != "jwt" {
		t.Fatalf("who = %+v", who)
	}

	if err := srv.Engine.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "k1", ActorID: "client-1", KeyHash: repo.HashAPIKey("s3cret"),
	}); err != nil {
		t.Fatal(err)
	}
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	req.Header.Set("X-Api-Key", "s3cret")
	res, err = srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = io.ReadAll(res.Body)
	res.Body.Close()
	if who := decode[WhoAmIResponse](t, data); who.ActorID != "client-1" {
		t.Fatalf("who = %+v", who)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/me", nil)
	req.Header.Set("Authorization", "Bearer nope")
	res, err = srv.client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}
}

func TestReservationConflictMapsTo409(t *testing.T) {
	srv := newTestServer(t)
	hall := srv.createHall(t, "host-1")

	res, data := srv.do(t, http.MethodPost, "/v1/reservations", "client-a", map[string]any{
		"resource_id": hall.ID, "interval": window(10, 11),
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first request: %d %s", res.StatusCode, string(data))
	}
	rv := decode[domain.Reservation](t, data)
	if rv.Status != domain.ReservationPendingHold {
		t.Fatalf("status = %s", rv.Status)
	}

	res, data = srv.do(t, http.MethodPost, "/v1/reservations", "client-b", map[string]any{
		"resource_id": hall.ID, "interval": window(10, 12),
	})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "conflict" {
		t.Fatalf("expected conflict, got %d %s", res.StatusCode, string(data))
	}

	res, data = srv.do(t, http.MethodPost, "/v1/reservations/"+rv.ID+"/confirm", "client-a", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("client confirmed: %d %s", res.StatusCode, string(data))
	}
	res, data = srv.do(t, http.MethodPost, "/v1/reservations/"+rv.ID+"/confirm", "host-1", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", res.StatusCode, string(data))
	}
	if got := decode[domain.Reservation](t, data); got.Status != domain.ReservationConfirmed {
		t.Fatalf("status = %s", got.Status)
	}

	res, data = srv.do(t, http.MethodGet, "/v1/resources/"+hall.ID+"/availability?from=2025-06-10T08:00:00Z&to=2025-06-10T14:00:00Z", "client-b", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("availability: %d %s", res.StatusCode, string(data))
	}
	avail := decode[domain.Availability](t, data)
	if len(avail.Busy) != 1 || len(avail.Free) != 2 {
		t.Fatalf("availability = %+v", avail)
	}

	res, data = srv.do(t, http.MethodGet, "/v1/reservations/"+rv.ID, "client-b", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("stranger read reservation: %d %s", res.StatusCode, string(data))
	}
}

func TestValidationMapsTo400(t *testing.T) {
	srv := newTestServer(t)
	hall := srv.createHall(t, "host-1")
	res, data := srv.do(t, http.MethodPost, "/v1/reservations", "client-a", map[string]any{
		"resource_id": hall.ID, "interval": window(11, 10),
	})
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "validation_failed" {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	res, data = srv.do(t, http.MethodGet, "/v1/reservations/missing", "client-a", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestOfferFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	hallA := srv.createHall(t, "host-a")
	hallB := srv.createHall(t, "host-b")

	res, data := srv.do(t, http.MethodPost, "/v1/posts", "client", map[string]any{
		"category": "event", "interval": window(18, 23), "max_price": 5000,
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create post: %d %s", res.StatusCode, string(data))
	}
	post := decode[domain.BudgetPost](t, data)

	submit := func(host, resourceID string, price int) domain.Offer {
		res, data := srv.do(t, http.MethodPost, "/v1/posts/"+post.ID+"/offers", host, map[string]any{
			"resource_id": resourceID, "interval": window(18, 23), "price": price,
		})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit offer: %d %s", res.StatusCode, string(data))
		}
		return decode[domain.Offer](t, data)
	}
	low := submit("host-a", hallA.ID, 4800)
	high := submit("host-b", hallB.ID, 4900)

	res, data = srv.do(t, http.MethodGet, "/v1/posts/"+post.ID+"/ranking", "host-a", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("host read ranking: %d %s", res.StatusCode, string(data))
	}
	res, data = srv.do(t, http.MethodGet, "/v1/posts/"+post.ID+"/ranking", "client", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ranking: %d %s", res.StatusCode, string(data))
	}
	views := decode[[]domain.OfferView](t, data)
	if len(views) != 2 || views[0].Offer.ID != high.ID {
		t.Fatalf("ranking = %+v", views)
	}

	res, data = srv.do(t, http.MethodGet, "/v1/posts/"+post.ID+"/offers", "host-a", nil)
	if mine := decode[[]domain.Offer](t, data); res.StatusCode != http.StatusOK || len(mine) != 1 || mine[0].ID != low.ID {
		t.Fatalf("host offers: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.do(t, http.MethodPost, "/v1/offers/"+high.ID+"/accept", "client", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d %s", res.StatusCode, string(data))
	}
	rv := decode[domain.Reservation](t, data)
	if rv.OfferID != high.ID {
		t.Fatalf("reservation = %+v", rv)
	}

	res, data = srv.do(t, http.MethodPost, "/v1/offers/"+low.ID+"/accept", "client", nil)
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "offer_no_longer_available" {
		t.Fatalf("expected offer_no_longer_available, got %d %s", res.StatusCode, string(data))
	}
}

func TestThreadsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	hall := srv.createHall(t, "host-1")
	_, data := srv.do(t, http.MethodPost, "/v1/reservations", "client-a", map[string]any{
		"resource_id": hall.ID, "interval": window(10, 11),
	})
	rv := decode[domain.Reservation](t, data)

	res, data := srv.do(t, http.MethodPost, "/v1/threads", "client-a", map[string]any{
		"subject_type": "reservation", "subject_id": rv.ID,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("open thread: %d %s", res.StatusCode, string(data))
	}
	th := decode[domain.Thread](t, data)
	for i, who := range []string{"client-a", "host-1", "client-a"} {
		res, data = srv.do(t, http.MethodPost, "/v1/threads/"+th.ID+"/messages", who, map[string]any{"body": "hello"})
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("append %d: %d %s", i, res.StatusCode, string(data))
		}
	}
	res, data = srv.do(t, http.MethodGet, "/v1/threads/"+th.ID+"/messages?limit=2", "host-1", nil)
	page := decode[MessagePage](t, data)
	if res.StatusCode != http.StatusOK || len(page.Items) != 2 || page.NextCursor != 2 {
		t.Fatalf("first page: %d %s", res.StatusCode, string(data))
	}
	_, data = srv.do(t, http.MethodGet, "/v1/threads/"+th.ID+"/messages?after=2", "host-1", nil)
	page = decode[MessagePage](t, data)
	if len(page.Items) != 1 || page.Items[0].Seq != 3 || page.NextCursor != 0 {
		t.Fatalf("second page: %s", string(data))
	}

	srv.do(t, http.MethodPost, "/v1/reservations/"+rv.ID+"/reject", "host-1", nil)
	res, data = srv.do(t, http.MethodPost, "/v1/threads/"+th.ID+"/messages", "client-a", map[string]any{"body": "why?"})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "thread_closed" {
		t.Fatalf("expected thread_closed, got %d %s", res.StatusCode, string(data))
	}
}

func TestEventsAreAdminOnly(t *testing.T) {
	srv := newTestServer(t)
	srv.createHall(t, "host-1")
	res, data := srv.do(t, http.MethodGet, "/v1/events", "host-1", nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin read events: %d %s", res.StatusCode, string(data))
	}
	res, data = srv.do(t, http.MethodGet, "/v1/events?type=resource.create", "ops", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	page := decode[EventPage](t, data)
	if len(page.Items) != 1 || page.Items[0].EntityKind != "resource" {
		t.Fatalf("events = %+v", page)
	}
}
