package httpapi

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bxcodec/faker/v4"
	"github.com/goccy/go-json"

	"roverworld.ai/internal/catalogs"
	"roverworld.ai/internal/clock"
	"roverworld.ai/internal/game"
	"roverworld.ai/internal/metrics"
	"roverworld.ai/internal/persistence/store"
	"roverworld.ai/internal/protocol"
	"roverworld.ai/internal/tuning"
)

const secret = "render-s3cret"

type fixture struct {
	t     *testing.T
	g     *game.Game
	clock *clock.Virtual
	h     http.Handler
	logs  *bytes.Buffer
}

func newFixture(t *testing.T, tweak func(*tuning.Tuning)) *fixture {
	t.Helper()
	cat, err := catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.NewManual(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	db, err := store.Open(store.Options{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "api.db"), Clock: clk})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tun := tuning.Defaults()
	if tweak != nil {
		tweak(&tun)
	}
	logs := &bytes.Buffer{}
	g := game.New(game.Options{DB: db, Catalogs: cat, Tuning: tun, Logger: log.New(logs, "", 0)})
	srv := New(Options{
		Game:           g,
		Logger:         log.New(logs, "", 0),
		Metrics:        metrics.New(),
		RendererSecret: secret,
		AdminEnabled:   true,
	})
	return &fixture{t: t, g: g, clock: clk, h: srv.Handler(), logs: logs}
}

type player struct {
	id, email, password string
}

func (f *fixture) player() player {
	f.t.Helper()
	p := player{email: strings.ToLower(faker.Email()), password: "hunter22"}
	id, err := f.g.CreatePlayer(context.Background(), game.NewPlayer{
		Email: p.email, FirstName: faker.FirstName(), LastName: faker.LastName(), Password: p.password, Valid: true,
	})
	if err != nil {
		f.t.Fatal(err)
	}
	p.id = id
	return p
}

// do sends a request from remote with an optional player header and
// decodes the JSON answer.
func (f *fixture) do(method, path, userID, remote string, body any) (int, map[string]any) {
	f.t.Helper()
	var rd *bytes.Reader
	if s, ok := body.(string); ok {
		rd = bytes.NewReader([]byte(s))
	} else {
		b, err := json.Marshal(body)
		if err != nil {
			f.t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if remote != "" {
		req.RemoteAddr = remote
	}
	if userID != "" {
		req.Header.Set(playerHeader, userID)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	out := map[string]any{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		f.t.Fatalf("%s %s: %d %q: %v", method, path, rec.Code, rec.Body.String(), err)
	}
	return rec.Code, out
}

func (f *fixture) post(path, userID string, body any) (int, map[string]any) {
	return f.do(http.MethodPost, path, userID, "", body)
}

func errCode(out map[string]any) string {
	errs, _ := out["errors"].([]any)
	if len(errs) == 0 {
		return ""
	}
	code, _ := errs[0].(map[string]any)["code"].(string)
	return code
}

func (f *fixture) roverID(userID string) string {
	f.t.Helper()
	code, st := f.do(http.MethodGet, "/api/gamestate", userID, "", "")
	if code != http.StatusOK {
		f.t.Fatalf("gamestate: %d %v", code, st)
	}
	rovers := st["user"].(map[string]any)["rovers"].(map[string]any)
	for id := range rovers {
		return id
	}
	f.t.Fatalf("no rover")
	return ""
}

func (f *fixture) createTarget(userID, roverID, cid string) []any {
	f.t.Helper()
	code, out := f.post("/api/create_target", userID, protocol.CreateTargetReq{
		RoverID: roverID, CID: cid, Lat: 6.2408, Lng: -109.4142, ArrivalDelta: 3600,
	})
	if code != http.StatusOK {
		f.t.Fatalf("create_target: %d %v", code, out)
	}
	return out["chips"].([]any)
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)
	p := f.player()
	code, out := f.post("/api/login", "", protocol.LoginReq{Email: p.email, Password: p.password})
	if code != http.StatusOK || out["user_id"] != p.id {
		t.Fatalf("login: %d %v", code, out)
	}
	code, out = f.post("/api/login", "", protocol.LoginReq{Email: p.email, Password: "nope"})
	if code != http.StatusUnauthorized || errCode(out) != protocol.ErrUnauthorized {
		t.Fatalf("bad password: %d %v", code, out)
	}
}

func TestPlayerHeaderRequired(t *testing.T) {
	f := newFixture(t, nil)
	code, out := f.post("/api/chips", "", protocol.Since{})
	if code != http.StatusUnauthorized || errCode(out) != protocol.ErrUnauthorized {
		t.Fatalf("%d %v", code, out)
	}
	code, out = f.post("/api/chips", "rover-fan", protocol.Since{})
	if code != http.StatusUnauthorized || errCode(out) != protocol.ErrUnauthorized {
		t.Fatalf("malformed player: %d %v", code, out)
	}
	code, out = f.post("/api/chips", "8a0e5b2c-0000-4000-8000-000000000000", protocol.Since{})
	if code != http.StatusOK {
		t.Fatalf("unknown player chips: %d %v", code, out)
	}
	code, out = f.do(http.MethodGet, "/api/gamestate", "8a0e5b2c-0000-4000-8000-000000000000", "", "")
	if code != http.StatusNotFound || errCode(out) != protocol.ErrNotFound {
		t.Fatalf("unknown player gamestate: %d %v", code, out)
	}
}

func TestCreateTargetReturnsChips(t *testing.T) {
	f := newFixture(t, nil)
	p := f.player()
	rover := f.roverID(p.id)

	var add map[string]any
	for _, c := range f.createTarget(p.id, rover, "cid-1") {
		ch := c.(map[string]any)
		path := ch["path"].([]any)
		if ch["action"] == "ADD" && path[len(path)-1] == "cid-1" {
			add = ch
		}
	}
	if add == nil {
		t.Fatalf("no ADD chip for cid-1")
	}
	if id, _ := add["value"].(map[string]any)["target_id"].(string); id == "" || id == "cid-1" {
		t.Fatalf("ADD value carries target_id %q", id)
	}

	code, out := f.post("/api/chips", p.id, protocol.Since{LastSeenChipTime: int64(add["time"].(float64))})
	if code != http.StatusOK {
		t.Fatalf("chips: %d %v", code, out)
	}
	for _, c := range out["chips"].([]any) {
		if c.(map[string]any)["time"].(float64) <= add["time"].(float64) {
			t.Fatalf("chip at or before last seen: %v", c)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, nil)
	p := f.player()

	code, out := f.post("/api/create_target", p.id, `{"last_seen_chip_time":0,"cid":"x"}`)
	if code != http.StatusBadRequest || errCode(out) != protocol.ErrProtoBadRequest {
		t.Fatalf("schema: %d %v", code, out)
	}
	code, out = f.post("/api/abort_target", p.id, protocol.TargetReq{TargetID: "8a0e5b2c-0000-4000-8000-000000000001"})
	if code != http.StatusNotFound || errCode(out) != protocol.ErrNotFound {
		t.Fatalf("not found: %d %v", code, out)
	}
	var targetID string
	for _, c := range f.createTarget(p.id, f.roverID(p.id), "c") {
		if v, ok := c.(map[string]any)["value"].(map[string]any)["target_id"].(string); ok {
			targetID = v
		}
	}
	code, out = f.post("/api/highlight_target", p.id, protocol.TargetReq{TargetID: targetID})
	if code != http.StatusUnprocessableEntity || errCode(out) != protocol.ErrNotArrived {
		t.Fatalf("rule violation: %d %v", code, out)
	}
}

func TestRenderer(t *testing.T) {
	f := newFixture(t, nil)
	p := f.player()

	code, out := f.post("/renderer/next_target", "", protocol.NextTargetReq{Auth: "guess"})
	if code != http.StatusUnauthorized {
		t.Fatalf("bad auth: %d %v", code, out)
	}
	code, out = f.post("/renderer/next_target", "", protocol.NextTargetReq{Auth: secret})
	if code != http.StatusOK || out["status"] != "ok" || out["user_id"] != nil {
		t.Fatalf("idle: %d %v", code, out)
	}

	f.createTarget(p.id, f.roverID(p.id), "cid-r")
	code, job := f.post("/renderer/next_target", "", protocol.NextTargetReq{Auth: secret})
	if code != http.StatusOK || job["user_id"] != p.id {
		t.Fatalf("job: %d %v", code, job)
	}
	rover := job["rovers"].([]any)[0].(map[string]any)
	targets := rover["targets"].([]any)
	tgt := targets[len(targets)-1].(map[string]any)
	metadata := map[string]string{}
	md, _ := tgt["metadata"].(map[string]any)
	for k, v := range md {
		metadata[k] = v.(string)
	}

	code, out = f.post("/renderer/processed_target", "", protocol.ProcessedTargetReq{
		Auth:        secret,
		UserID:      p.id,
		RoverID:     rover["rover_id"].(string),
		TargetID:    tgt["target_id"].(string),
		ArrivalTime: int64(tgt["arrival_time"].(float64)),
		Metadata:    metadata,
		Images:      map[string]string{"PHOTO": "p.jpg", "THUMB": "t.jpg", "SPECIES": "s.png"},
		Tiles:       []protocol.Tile{{Zoom: 12, X: 1, Y: 2}},
	})
	if code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("processed: %d %v", code, out)
	}
	code, out = f.post("/renderer/next_target", "", protocol.NextTargetReq{Auth: secret})
	if code != http.StatusOK || out["user_id"] != nil {
		t.Fatalf("after processing: %d %v", code, out)
	}
}

func TestAdminIsLoopbackOnly(t *testing.T) {
	f := newFixture(t, nil)
	p := f.player()
	body := protocol.TimeShiftReq{UserID: p.id, Seconds: 3600}

	code, out := f.do(http.MethodPost, "/admin/v1/advance_game", "", "192.0.2.7:4100", body)
	if code != http.StatusForbidden {
		t.Fatalf("remote admin: %d %v", code, out)
	}
	code, out = f.do(http.MethodPost, "/admin/v1/advance_game", "", "127.0.0.1:4100", body)
	if code != http.StatusOK {
		t.Fatalf("advance: %d %v", code, out)
	}
	code, out = f.do(http.MethodPost, "/admin/v1/process_deferred", "", "[::1]:4100", protocol.UserReq{UserID: p.id})
	if code != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("process_deferred: %d %v", code, out)
	}
}

func TestPlayerRateLimit(t *testing.T) {
	f := newFixture(t, func(tun *tuning.Tuning) {
		tun.RateLimits.PlayerPerSecond = 0.001
		tun.RateLimits.PlayerBurst = 2
	})
	p := f.player()
	for i := 0; i < 2; i++ {
		if code, out := f.post("/api/chips", p.id, protocol.Since{}); code != http.StatusOK {
			t.Fatalf("request %d: %d %v", i, code, out)
		}
	}
	code, out := f.post("/api/chips", p.id, protocol.Since{})
	if code != http.StatusTooManyRequests || errCode(out) != protocol.ErrRateLimit {
		t.Fatalf("third request: %d %v", code, out)
	}
	other := f.player()
	if code, _ := f.post("/api/chips", other.id, protocol.Since{}); code != http.StatusOK {
		t.Fatalf("limit leaked across players: %d", code)
	}
}
