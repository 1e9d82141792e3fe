package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/derktes/signal-recorder/collector"
	"github.com/derktes/signal-recorder/hal"
	"github.com/derktes/signal-recorder/hal/sim"
	"github.com/derktes/signal-recorder/replay"
	"github.com/derktes/signal-recorder/signal"
	"github.com/derktes/signal-recorder/store"
)

type fixture struct {
	srv    *Server
	sink   *store.Sink
	rec    *collector.Recorder
	engine *replay.Engine
	pin    *sim.Pin
}

// newFixture wires a recorder with an idle IR poller, a directory store and
// a replay engine on virtual hardware.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	dir, err := store.OpenDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sink, err := store.Open(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}

	clock := sim.NewClock(0)
	clock.ParkAt(1000)
	rec := collector.NewRecorder(sink)
	poller := &hal.Poller{Pin: sim.NewWaveform(clock, signal.Low), Timer: clock, Period: 20}
	if err := rec.Attach(signal.ModeIR, poller, collector.DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		rec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	outClock := sim.NewClock(0)
	pin := sim.NewPin(outClock, signal.Low)
	engine := replay.New(sink, outClock, map[signal.Mode]hal.OutputPin{signal.ModeIR: pin})
	return &fixture{
		srv:    New(rec, sink, engine, WithOriginPatterns("*")),
		sink:   sink,
		rec:    rec,
		engine: engine,
		pin:    pin,
	}
}

func (f *fixture) do(t *testing.T, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(w, r)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

const squareImport = `{"mode":"IR","timestamp":1700000000000,"pulses":[` +
	`{"level":1,"duration":500},{"level":0,"duration":500},{"level":1,"duration":500},` +
	`{"level":0,"duration":500},{"level":1,"duration":500},{"level":0,"duration":500},` +
	`{"level":1,"duration":40000}]}`

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestCaptureControl(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/capture/ir/start", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body)
	}
	if st := decode[collector.Status](t, w); !st.Active || st.Mode != "IR" {
		t.Errorf("Expected active IR, got %+v", st)
	}
	if w := f.do(t, http.MethodPost, "/capture/ir/start", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on a second start, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/capture/rf/start", ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a mode without source, got %d", w.Code)
	}
	if w := f.do(t, http.MethodPost, "/capture/uv/start", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown mode, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/capture", "")
	if list := decode[[]collector.Status](t, w); len(list) != 1 {
		t.Errorf("Expected one capture path, got %+v", list)
	}

	w = f.do(t, http.MethodPost, "/capture/ir/stop", "")
	if st := decode[collector.Status](t, w); st.Active {
		t.Errorf("Expected inactive after stop, got %+v", st)
	}
	if w := f.do(t, http.MethodPost, "/capture/ir/stop", ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 on a second stop, got %d", w.Code)
	}
}

func TestSignalLifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/signals", squareImport)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body)
	}
	entry := decode[store.Entry](t, w)
	if entry.Name != "ir_00000000.sig" {
		t.Errorf("Expected ir_00000000.sig, got %s", entry.Name)
	}
	f.do(t, http.MethodPost, "/signals", squareImport)

	w = f.do(t, http.MethodGet, "/signals?limit=1", "")
	if list := decode[[]store.Entry](t, w); len(list) != 1 || list[0] != entry {
		t.Errorf("Expected [%+v], got %+v", entry, list)
	}
	if w := f.do(t, http.MethodGet, "/signals?limit=x", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad limit, got %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/signals/"+entry.Name, "")
	view := decode[signalView](t, w)
	if len(view.Pulses) != 7 || view.Duration != 43000 || view.Timestamp != 1700000000000 {
		t.Errorf("unexpected signal view %+v", view)
	}

	if w := f.do(t, http.MethodDelete, "/signals/"+entry.Name, ""); w.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/signals/"+entry.Name, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
	if w := f.do(t, http.MethodGet, "/signals/evil.sig", ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad name, got %d", w.Code)
	}
}

func TestSignalImportRejectsInvalidTrains(t *testing.T) {
	f := newFixture(t)
	tests := map[string]string{
		"no pulses":     `{"mode":"IR","pulses":[]}`,
		"zero duration": `{"mode":"IR","pulses":[{"level":1,"duration":0}]}`,
		"same level":    `{"mode":"IR","pulses":[{"level":1,"duration":5},{"level":1,"duration":5}]}`,
		"bad level":     `{"mode":"IR","pulses":[{"level":2,"duration":5}]}`,
		"too long":      `{"mode":"IR","pulses":[{"level":1,"duration":16777216}]}`,
		"unknown mode":  `{"mode":"UV","pulses":[{"level":1,"duration":5}]}`,
		"unknown field": `{"mode":"IR","carrier":38000,"pulses":[{"level":1,"duration":5}]}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if w := f.do(t, http.MethodPost, "/signals", body); w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body)
			}
		})
	}
	list, _ := f.sink.List(context.Background(), 0)
	if len(list) != 0 {
		t.Errorf("Expected nothing stored, got %+v", list)
	}
}

func TestReplayControl(t *testing.T) {
	f := newFixture(t)
	entry := decode[store.Entry](t, f.do(t, http.MethodPost, "/signals", squareImport))

	w := f.do(t, http.MethodPost, "/replay", fmt.Sprintf(`{"filename":%q}`, entry.Name))
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.engine.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	if got := len(f.pin.Pulses()); got != 8 {
		t.Errorf("Expected the rest write and 7 driven pulses, got %d", got)
	}

	st := decode[replay.Status](t, f.do(t, http.MethodGet, "/replay", ""))
	if st.State != replay.Idle || st.Progress != 100 {
		t.Errorf("Expected Idle at 100%%, got %+v", st)
	}

	w = f.do(t, http.MethodPost, "/replay", `{"filename":"ir_00000063.sig"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	w = f.do(t, http.MethodPost, "/replay", fmt.Sprintf(`{"filename":%q}`, entry.Name))
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while in Error, got %d", w.Code)
	}
	st = decode[replay.Status](t, f.do(t, http.MethodPost, "/replay/stop", ""))
	if st.State != replay.Idle {
		t.Errorf("Expected Idle after stop, got %+v", st)
	}
}

func TestSignalStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/signal/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered after the upgrade; retry the save
	// until the stream sees one.
	got := make(chan savedEvent, 1)
	go func() {
		var ev savedEvent
		if err := wsjson.Read(ctx, c, &ev); err == nil {
			got <- ev
		}
	}()
	for {
		resp, err := http.Post(ts.URL+"/signals", "application/json", strings.NewReader(squareImport))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		select {
		case ev := <-got:
			if ev.Event != "saved" || ev.Entry.Mode != signal.ModeIR {
				t.Errorf("unexpected event %+v", ev)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestPublisherForwardsToUpstream(t *testing.T) {
	upstream := newFixture(t)
	ts := httptest.NewServer(upstream.srv.Handler())
	defer ts.Close()

	local := newFixture(t)
	pub, err := collector.NewPublisher(ts.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	saved, unsubscribe, err := upstream.sink.Subscribe(ctx, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()
	go pub.Run(ctx, local.sink)

	// Run subscribes asynchronously; keep saving until upstream has a copy.
	deadline := time.After(5 * time.Second)
	for {
		local.do(t, http.MethodPost, "/signals", squareImport)
		select {
		case e := <-saved:
			p, err := upstream.sink.Load(ctx, e.Name)
			if err != nil {
				t.Fatal(err)
			}
			pulses, _ := p.Pulses()
			if len(pulses) != 7 || p.Timestamp != 1700000000000 {
				t.Errorf("unexpected forwarded signal %v at %d", pulses, p.Timestamp)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("nothing was forwarded")
		}
	}
}

func BenchmarkSignalImport(b *testing.B) {
	dir, _ := store.OpenDir(b.TempDir())
	sink, _ := store.Open(context.Background(), dir)
	srv := New(collector.NewRecorder(sink), sink, replay.New(sink, sim.NewClock(0), nil))
	h := srv.Handler()
	body := []byte(squareImport)

	var wg sync.WaitGroup
	wg.Add(b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "http://localhost:8080/signals", bytes.NewReader(body))
			h.ServeHTTP(w, r)
		}()
	}
	wg.Wait()
}
