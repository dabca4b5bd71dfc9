package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/xmidt-org/wrp-go/v3"

	"github.com/xmidt-org/talaria/sensorlink"
)

// FrameContentType tags WRP payloads that carry one peripheral frame.
const FrameContentType = "application/vnd.sensorlink.frame"

// WebsocketTransport reaches a peripheral through a gateway that bridges
// the radio link. Each websocket message is a msgpack WRP simple event whose
// payload is exactly one peer frame.
//
// It does not reconnect: a dropped socket ends the session, and a new
// session recovers retained nodes.
type WebsocketTransport struct {
	source      string
	destination string

	writeMu sync.Mutex
	conn    *websocket.Conn

	bindOnce sync.Once
	dropOnce sync.Once
	closed   chan struct{}
}

// DialGateway opens the websocket at <url>/<device>/<service>.
func DialGateway(ctx context.Context, cfg sensorlink.GatewayConfig, auth sensorlink.AuthStrategy) (*WebsocketTransport, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: gateway device id required", sensorlink.ErrInvalidParameter)
	}
	u.Path = fmt.Sprintf("%s/%s/%s", u.Path, cfg.DeviceID, cfg.Service)

	header := http.Header{}
	if auth != nil {
		if v, e := auth.AuthorizationValue(); e == nil && v != "" {
			header.Set("Authorization", v)
		}
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", sensorlink.ErrTransportFailure, u.Redacted(), err)
	}
	return &WebsocketTransport{
		source:      "dns:" + cfg.Service,
		destination: fmt.Sprintf("mac:%s/%s", cfg.DeviceID, cfg.Service),
		conn:        conn,
		closed:      make(chan struct{}),
	}, nil
}

// Bind starts delivering inbound frames. Only the first call has effect.
func (w *WebsocketTransport) Bind(receive func([]byte), disconnect func(error)) {
	w.bindOnce.Do(func() {
		go w.readLoop(receive, disconnect)
	})
}

func (w *WebsocketTransport) Send(frame []byte) error {
	select {
	case <-w.closed:
		return sensorlink.ErrNotConnected
	default:
	}
	buf, err := EncodeEnvelope(w.source, w.destination, frame)
	if err != nil {
		return err
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteMessage(websocket.BinaryMessage, buf)
}

func (w *WebsocketTransport) Close() error {
	var err error
	w.dropOnce.Do(func() {
		close(w.closed)
		w.writeMu.Lock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		w.writeMu.Unlock()
		err = w.conn.Close()
	})
	return err
}

func (w *WebsocketTransport) readLoop(receive func([]byte), disconnect func(error)) {
	for {
		mt, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
				disconnect(sensorlink.ErrNotConnected)
			default:
				disconnect(err)
				_ = w.Close()
			}
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := decodeEnvelope(data)
		if err != nil {
			glog.V(2).Infof("[transport]%s skip message: %v\n", w.destination, err)
			continue
		}
		receive(frame)
	}
}

var errNotFrame = errors.New("not a peripheral frame")

func decodeEnvelope(data []byte) ([]byte, error) {
	var msg wrp.Message
	if err := wrp.NewDecoderBytes(data, wrp.Msgpack).Decode(&msg); err != nil {
		return nil, err
	}
	if msg.Type != wrp.SimpleEventMessageType || msg.ContentType != FrameContentType {
		return nil, errNotFrame
	}
	return msg.Payload, nil
}

// EncodeEnvelope wraps a peer frame the way the gateway forwards it. It is
// the inverse of what WebsocketTransport reads.
func EncodeEnvelope(source, destination string, frame []byte) ([]byte, error) {
	msg := wrp.Message{
		Type:            wrp.SimpleEventMessageType,
		Source:          source,
		Destination:     destination,
		TransactionUUID: uuid.NewString(),
		ContentType:     FrameContentType,
		Payload:         frame,
	}
	var buf []byte
	err := wrp.NewEncoderBytes(&buf, wrp.Msgpack).Encode(&msg)
	return buf, err
}
