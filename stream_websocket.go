package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwsl/pimtector/dsp"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 16384,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; CORS is handled by corsMiddleware for REST
		return true
	},
}

// wsConn serialises writes to one websocket
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (wc *wsConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return wc.write(websocket.TextMessage, data)
}

func (wc *wsConn) write(messageType int, data []byte) error {
	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return wc.conn.WriteMessage(messageType, data)
}

func (wc *wsConn) readJSON(v interface{}) error {
	return wc.conn.ReadJSON(v)
}

func (wc *wsConn) close() error {
	return wc.conn.Close()
}

// StreamClientMessage is sent by the subscriber
type StreamClientMessage struct {
	Type string `json:"type"` // startData, stopData, status or ping
}

// StreamDataMessage carries one trace in JSON mode
type StreamDataMessage struct {
	Type     string    `json:"type"` // "data"
	Trace    dsp.Trace `json:"trace"`
	Overflow bool      `json:"overflow"`
}

// StreamServerMessage is every non-data message sent to the subscriber
type StreamServerMessage struct {
	Type      string        `json:"type"` // session, status, error or pong
	SessionID string        `json:"session_id,omitempty"`
	State     string        `json:"state,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      int           `json:"code,omitempty"`
	Stream    *StreamStatus `json:"stream,omitempty"`
	Settings  *dsp.Settings `json:"settings,omitempty"`
}

// StreamWebSocketHandler serves /ws/stream: one subscriber at a time gets
// the trace stream, powers the receiver and controls acquisition
type StreamWebSocketHandler struct {
	receiver *Receiver
	streamer *Streamer
	power    PowerSwitch
	metrics  *PrometheusMetrics
}

func NewStreamWebSocketHandler(receiver *Receiver, streamer *Streamer, power PowerSwitch, metrics *PrometheusMetrics) *StreamWebSocketHandler {
	return &StreamWebSocketHandler{
		receiver: receiver,
		streamer: streamer,
		power:    power,
		metrics:  metrics,
	}
}

// HandleWebSocket upgrades the request and runs the subscriber session.
// Query parameters: format=json|binary, compress=zstd (binary only).
func (h *StreamWebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	// Refuse before upgrading so the client sees a plain HTTP status
	if id, attached := h.streamer.Session(); attached {
		log.Printf("Rejected stream connection from %s: session %s already attached", clientIP, id)
		h.metrics.RecordWSRejected()
		http.Error(w, ErrSubscriberActive.Error(), http.StatusConflict)
		return
	}

	query := r.URL.Query()
	binaryMode := query.Get("format") == "binary"
	compress := binaryMode && query.Get("compress") == "zstd"

	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	conn := &wsConn{conn: rawConn}
	rawConn.SetReadLimit(4096)

	var encoder *TraceBinaryEncoder
	if binaryMode {
		encoder = NewTraceBinaryEncoder(compress)
		defer encoder.Close()
	}

	deliver := func(t dsp.Trace, overflow bool) error {
		if encoder != nil {
			return conn.write(websocket.BinaryMessage, encoder.Encode(t, overflow))
		}
		return conn.writeJSON(StreamDataMessage{Type: "data", Trace: t, Overflow: overflow})
	}

	id, err := h.streamer.Subscribe(deliver)
	if err != nil {
		// Lost the race against another connection
		h.metrics.RecordWSRejected()
		conn.writeJSON(StreamServerMessage{Type: "error", Error: err.Error()})
		conn.close()
		return
	}
	h.metrics.RecordWSConnection()

	if err := h.power.SetPower(true); err != nil {
		log.Printf("Warning: Failed to enable receiver power: %v", err)
	}
	log.Printf("Stream: user %s connected (session %s, binary=%v, zstd=%v)", clientIP, id, binaryMode, compress)

	defer func() {
		conn.close()
		if err := h.receiver.Stop(); err != nil {
			log.Printf("ERROR: Stream: stopping acquisition: %v", err)
		}
		h.streamer.Unsubscribe(id)
		if err := h.power.SetPower(false); err != nil {
			log.Printf("Warning: Failed to disable receiver power: %v", err)
		}
		h.metrics.RecordWSDisconnect()
		log.Printf("Stream: user %s disconnected (session %s)", clientIP, id)
	}()

	conn.writeJSON(h.statusMessage("session", id))

	for {
		var msg StreamClientMessage
		if err := conn.readJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Stream: read error from %s: %v", clientIP, err)
			}
			return
		}
		h.handleMessage(conn, id, msg)
	}
}

func (h *StreamWebSocketHandler) handleMessage(conn *wsConn, id string, msg StreamClientMessage) {
	switch msg.Type {
	case "startData":
		if state, _ := h.receiver.State(); state == StateAcquiring {
			return
		}
		log.Printf("Stream: start data stream requested")
		h.streamer.ResetBuffer()
		onFrame := func(t dsp.Trace) { h.streamer.Push(t) }
		onEnd := func(err error) {
			if err != nil {
				conn.writeJSON(errorMessage(err))
			}
		}
		if err := h.receiver.Start(onFrame, onEnd); err != nil {
			log.Printf("ERROR: Stream: starting data stream: %v", err)
			conn.writeJSON(errorMessage(err))
			return
		}
		conn.writeJSON(h.statusMessage("status", id))

	case "stopData":
		log.Printf("Stream: stop data stream requested")
		err := h.receiver.Stop()
		h.streamer.ResetBuffer()
		if err != nil {
			log.Printf("ERROR: Stream: stopping data stream: %v", err)
			conn.writeJSON(errorMessage(err))
			return
		}
		conn.writeJSON(h.statusMessage("status", id))

	case "status":
		conn.writeJSON(h.statusMessage("status", id))

	case "ping":
		conn.writeJSON(StreamServerMessage{Type: "pong"})

	default:
		conn.writeJSON(StreamServerMessage{Type: "error", Error: "unknown message type: " + msg.Type})
	}
}

func (h *StreamWebSocketHandler) statusMessage(msgType, id string) StreamServerMessage {
	state, lastErr := h.receiver.State()
	status := h.streamer.Status()
	settings := h.receiver.Settings()
	msg := StreamServerMessage{
		Type:      msgType,
		SessionID: id,
		State:     state.String(),
		Stream:    &status,
		Settings:  &settings,
	}
	if lastErr != nil {
		msg.Error = lastErr.Error()
		msg.Code = errorCode(lastErr)
	}
	return msg
}

func errorMessage(err error) StreamServerMessage {
	return StreamServerMessage{Type: "error", Error: err.Error(), Code: errorCode(err)}
}
