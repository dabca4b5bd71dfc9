package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/internal/peersim"
	"github.com/xmidt-org/talaria/sensorlink/runtime"
	"github.com/xmidt-org/talaria/sensorlink/store"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

func connect(t *testing.T, peer *peersim.Peer) *runtime.Session {
	t.Helper()
	engine := sensorlink.DefaultOptions().Engine
	engine.ResponseTimeout = 500 * time.Millisecond
	engine.DrainIdleTimeout = 300 * time.Millisecond
	s, err := runtime.Connect(context.Background(), peer.Connect(), runtime.Config{Engine: engine, Store: store.NewMemory()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNodesHandlerNoSession(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/nodes", nil)
	NodesHandler(func() *runtime.Session { return nil })(rr, req)
	if rr.Code != 200 {
		t.Fatalf("expected 200 got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type %q", ct)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
	var out struct {
		Connected bool              `json:"connected"`
		Nodes     []json.RawMessage `json:"nodes"`
		Count     int               `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Connected || out.Nodes == nil || out.Count != 0 {
		t.Fatalf("unexpected body %+v", out)
	}
}

func TestNodesHandlerListsNodes(t *testing.T) {
	s := connect(t, peersim.New(peersim.DefaultConfig()))
	ctx := context.Background()
	sw, err := s.Switch()
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if _, err := s.Accumulate(ctx, sw); err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if err := sw.Retain(ctx, "button"); err != nil {
		t.Fatalf("retain: %v", err)
	}

	rr := httptest.NewRecorder()
	NodesHandler(func() *runtime.Session { return s })(rr, httptest.NewRequest("GET", "/api/nodes", nil))
	var out struct {
		Session   string             `json:"session"`
		Connected bool               `json:"connected"`
		Nodes     []runtime.NodeInfo `json:"nodes"`
		Count     int                `json:"count"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Session != s.ID() || !out.Connected || out.Count != 2 {
		t.Fatalf("unexpected body %+v", out)
	}
	if out.Nodes[0].Identifier != "button" || !out.Nodes[0].Module {
		t.Fatalf("first node %+v", out.Nodes[0])
	}
	if len(out.Nodes[1].Definition.Filters) != 1 {
		t.Fatalf("second node %+v", out.Nodes[1])
	}
}

func TestDrainHandler(t *testing.T) {
	peer := peersim.New(peersim.DefaultConfig())
	s := connect(t, peer)
	ctx := context.Background()
	sw, err := s.Switch()
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := sw.StartLogging(ctx); err != nil {
		t.Fatalf("start logging: %v", err)
	}
	if err := sw.Retain(ctx, "button"); err != nil {
		t.Fatalf("retain: %v", err)
	}
	peer.Fire(sensorlink.Source{Module: translate.ModuleSwitch, Register: translate.RegSwitchState, Index: sensorlink.NoIndex}, []byte{1})

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/nodes/{identifier}/drain", DrainHandler(func() *runtime.Session { return s }))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/api/nodes/button/drain?stop_after=true", nil))
	if rr.Code != 200 {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body)
	}
	var res struct {
		Entries []struct{ Tick uint32 }
		Total   int
	}
	if err := json.NewDecoder(rr.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Total != 1 || len(res.Entries) != 1 {
		t.Fatalf("unexpected drain %+v", res)
	}
	if sw.IsLogging() {
		t.Fatalf("stop_after left logging on")
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/api/nodes/ghost/drain", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown identifier: %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest("POST", "/api/nodes/button/drain", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("drain without logging: %d", rr.Code)
	}
}
