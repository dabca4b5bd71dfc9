package runtime

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/xmidt-org/wrp-go/v3"

	"github.com/xmidt-org/talaria/sensorlink"
	"github.com/xmidt-org/talaria/sensorlink/internal/peersim"
	"github.com/xmidt-org/talaria/sensorlink/translate"
)

const (
	testDevice  = "001122334455"
	testService = "sensors"
)

// gatewayBridge stands in for the gateway: it unwraps WRP envelopes from the
// websocket and hands the frames to a simulated peer, and wraps whatever the
// peer sends back.
func gatewayBridge(t *testing.T, peer *peersim.Peer, wantAuth string) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+testDevice+"/"+testService {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != wantAuth {
			t.Errorf("authorization = %q, want %q", got, wantAuth)
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		var writeMu sync.Mutex
		link := peer.Connect()
		link.Bind(func(frame []byte) {
			buf, err := EncodeEnvelope("mac:"+testDevice+"/"+testService, "dns:"+testService, frame)
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			_ = c.WriteMessage(websocket.BinaryMessage, buf)
		}, func(error) {
			_ = c.Close()
		})
		defer link.Close()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			frame, err := decodeEnvelope(msg)
			if err != nil {
				t.Errorf("bad envelope: %v", err)
				continue
			}
			_ = link.Send(frame)
		}
	}))
}

func wsURL(t *testing.T, srv *httptest.Server) string {
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

func TestWebsocketTransportSession(t *testing.T) {
	peer := peersim.New(peersim.DefaultConfig())
	srv := gatewayBridge(t, peer, "Bearer abc")
	defer srv.Close()

	ctx := context.Background()
	cfg := sensorlink.GatewayConfig{URL: wsURL(t, srv), DeviceID: testDevice, Service: testService, DialTimeout: time.Second}
	tr, err := DialGateway(ctx, cfg, sensorlink.StaticAuth{Value: "Bearer abc"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	engine := sensorlink.DefaultOptions().Engine
	s, err := Connect(ctx, tr, Config{Engine: engine})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer s.Close()

	if !s.HasModule(translate.ModuleSwitch) {
		t.Fatalf("switch module not discovered")
	}
	sw, err := s.Switch()
	if err != nil {
		t.Fatalf("switch: %v", err)
	}
	got := make(chan sensorlink.Payload, 4)
	if err := sw.Subscribe(ctx, collect(got)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	peer.Fire(switchSource, []byte{1})
	select {
	case p := <-got:
		if p != sensorlink.Uint8Value(1) {
			t.Fatalf("payload = %v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no notification over websocket")
	}

	peer.Drop()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session survived gateway hangup")
	}
	if !errors.Is(s.Err(), sensorlink.ErrTransportFailure) {
		t.Fatalf("err = %v", s.Err())
	}
	if !sw.Stale() {
		t.Fatalf("node not stale after hangup")
	}
}

func TestWebsocketTransportSkipsForeignMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`))
		_ = c.WriteMessage(websocket.BinaryMessage, []byte{0xc1})

		var other []byte
		_ = wrp.NewEncoderBytes(&other, wrp.Msgpack).Encode(&wrp.Message{
			Type:        wrp.SimpleEventMessageType,
			Source:      "dns:elsewhere",
			Destination: "event:device-status",
			ContentType: "application/json",
			Payload:     []byte(`{}`),
		})
		_ = c.WriteMessage(websocket.BinaryMessage, other)

		buf, _ := EncodeEnvelope("mac:"+testDevice+"/"+testService, "dns:"+testService, []byte{0x01, 0x01, 0x07})
		_ = c.WriteMessage(websocket.BinaryMessage, buf)

		// Hold the socket until the client hangs up.
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr, err := DialGateway(context.Background(), sensorlink.GatewayConfig{URL: wsURL(t, srv), DeviceID: testDevice, Service: testService}, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	frames := make(chan []byte, 4)
	lost := make(chan error, 1)
	tr.Bind(func(b []byte) { frames <- b }, func(err error) { lost <- err })

	select {
	case b := <-frames:
		if !bytes.Equal(b, []byte{0x01, 0x01, 0x07}) {
			t.Fatalf("frame = %x", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame not delivered")
	}
	select {
	case b := <-frames:
		t.Fatalf("unexpected frame %x", b)
	default:
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-lost:
		if !errors.Is(err, sensorlink.ErrNotConnected) {
			t.Fatalf("disconnect err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no disconnect callback")
	}
	if err := tr.Send([]byte{0x01}); !errors.Is(err, sensorlink.ErrNotConnected) {
		t.Fatalf("send after close = %v", err)
	}
}

func TestDialGatewayErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := DialGateway(ctx, sensorlink.GatewayConfig{URL: "ws://127.0.0.1:1", Service: testService}, nil); !errors.Is(err, sensorlink.ErrInvalidParameter) {
		t.Fatalf("missing device: %v", err)
	}

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	_, err := DialGateway(ctx, sensorlink.GatewayConfig{URL: wsURL(t, srv), DeviceID: testDevice, Service: testService}, nil)
	if !errors.Is(err, sensorlink.ErrTransportFailure) {
		t.Fatalf("rejected upgrade: %v", err)
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	frame := []byte{0x0A, 0x02, 0x01, 0x01, 0xFF}
	buf, err := EncodeEnvelope("dns:"+testService, "mac:"+testDevice+"/"+testService, frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var msg wrp.Message
	if err := wrp.NewDecoderBytes(buf, wrp.Msgpack).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Destination != "mac:"+testDevice+"/"+testService || msg.TransactionUUID == "" {
		t.Fatalf("envelope = %+v", msg)
	}
	got, err := decodeEnvelope(buf)
	if err != nil || !bytes.Equal(got, frame) {
		t.Fatalf("decodeEnvelope = %x, %v", got, err)
	}
}
