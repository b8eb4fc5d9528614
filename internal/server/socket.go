package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"industrialmonitor/backend/internal/metrics"
)

const (
	inboundSubscribe         = "subscribe"
	inboundSubscribeSensor   = "subscribe-sensor"
	inboundUnsubscribe       = "unsubscribe"
	inboundUnsubscribeSensor = "unsubscribe-sensor"
	inboundSensorData        = "sensor-data"
	inboundClientMessage     = "client-message"
)

type SocketConfig struct {
	ReadLimit     int64
	WriteWait     time.Duration
	PongWait      time.Duration
	PingPeriod    time.Duration
	AllowedOrigin string
	RequireAuth   bool
	JWTSecret     string
}

func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		ReadLimit:     64 << 10,
		WriteWait:     10 * time.Second,
		PongWait:      60 * time.Second,
		PingPeriod:    54 * time.Second,
		AllowedOrigin: "*",
	}
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// SocketServer upgrades /ws requests and bridges each websocket to a
// ConnectionHandle owned by the hub.
type SocketServer struct {
	hub      *Hub
	config   SocketConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewSocketServer(hub *Hub, config SocketConfig, logger *zap.Logger) *SocketServer {
	cfg := config
	defaults := DefaultSocketConfig()

	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaults.ReadLimit
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	socket := &SocketServer{
		hub:    hub,
		config: cfg,
		logger: logger.Named("socket"),
	}
	socket.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     socket.checkOrigin,
	}
	return socket
}

func (socket *SocketServer) checkOrigin(request *http.Request) bool {
	allowed := strings.TrimSpace(socket.config.AllowedOrigin)
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := request.Header.Get("Origin")
	return origin == "" || strings.EqualFold(origin, allowed)
}

func (socket *SocketServer) ServeHTTP(response http.ResponseWriter, request *http.Request) {
	if socket.config.RequireAuth {
		if _, err := ParseToken(bearerToken(request), []byte(socket.config.JWTSecret)); err != nil {
			socket.logger.Debug("socket auth rejected", zap.Error(err))
			writeError(response, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	conn, err := socket.upgrader.Upgrade(response, request, nil)
	if err != nil {
		socket.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	handle, err := socket.hub.OnConnect()
	if err != nil {
		deadline := time.Now().Add(socket.config.WriteWait)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadline,
		)
		_ = conn.Close()
		return
	}

	session := &socketSession{
		socket: socket,
		conn:   conn,
		handle: handle,
		logger: socket.logger.With(zap.String("connection_id", handle.ID())),
	}

	go session.writePump()
	session.readPump()
}

type socketSession struct {
	socket *SocketServer
	conn   *websocket.Conn
	handle *ConnectionHandle
	logger *zap.Logger
}

// readPump runs on the request goroutine. A panic or read error tears down
// only this connection.
func (session *socketSession) readPump() {
	defer func() {
		if recovered := recover(); recovered != nil {
			session.logger.Error("reader panic", zap.Any("panic", recovered), zap.Stack("stack"))
		}
		session.socket.hub.OnDisconnect(session.handle.ID())
		_ = session.conn.Close()
	}()

	config := session.socket.config
	session.conn.SetReadLimit(config.ReadLimit)
	_ = session.conn.SetReadDeadline(time.Now().Add(config.PongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(config.PongWait))
	})

	for {
		_, raw, err := session.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				session.logger.Debug("socket closed unexpectedly", zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			session.reply(EventError, map[string]any{"message": "malformed frame"})
			continue
		}
		session.dispatch(frame)
	}
}

func (session *socketSession) dispatch(frame inboundFrame) {
	hub := session.socket.hub
	connID := session.handle.ID()

	switch frame.Event {
	case inboundSubscribe, inboundSubscribeSensor:
		deviceID := deviceRef(frame.Data)
		hub.OnSubscribe(connID, deviceID)
		session.reply(EventServerAck, map[string]any{"action": "subscribe", "deviceId": deviceID})
	case inboundUnsubscribe, inboundUnsubscribeSensor:
		deviceID := deviceRef(frame.Data)
		hub.OnUnsubscribe(connID, deviceID)
		session.reply(EventServerAck, map[string]any{"action": "unsubscribe", "deviceId": deviceID})
	case inboundSensorData:
		payload, err := DecodePayload(frame.Data)
		if err != nil {
			session.reply(EventError, map[string]any{"message": "invalid sensor data", "reason": "malformed"})
			return
		}
		if _, err := hub.Ingest(payload); err != nil {
			session.reply(EventError, map[string]any{"message": err.Error(), "reason": ingestErrorReason(err)})
		}
	case inboundClientMessage:
		session.reply(EventServerAck, map[string]any{
			"message":      "Message received",
			"originalData": frame.Data,
			"timestamp":    time.Now().UnixMilli(),
		})
	default:
		session.reply(EventError, map[string]any{"message": "unknown event " + frame.Event})
	}
}

func (session *socketSession) reply(event string, data any) {
	err := session.handle.Send(OutboundMessage{Event: event, Data: data})
	if err != nil && !errors.Is(err, ErrBackpressure) {
		session.logger.Debug("reply dropped", zap.String("event", event), zap.Error(err))
	}
}

// writePump is the only goroutine that writes data frames to the socket.
func (session *socketSession) writePump() {
	config := session.socket.config
	ticker := time.NewTicker(config.PingPeriod)

	defer func() {
		if recovered := recover(); recovered != nil {
			session.logger.Error("writer panic", zap.Any("panic", recovered), zap.Stack("stack"))
		}
		ticker.Stop()
		_ = session.conn.Close()
	}()

	for {
		select {
		case <-session.handle.Ready():
			for _, message := range session.handle.Drain() {
				payload, err := json.Marshal(message)
				if err != nil {
					// One bad message costs only itself.
					session.logger.Warn("encode message", zap.String("event", message.Event), zap.Error(err))
					metrics.IncFanout(metrics.FanoutEncodeFailed)
					continue
				}

				_ = session.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
				if err := session.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
					session.logger.Debug("write failed", zap.Error(err))
					return
				}
			}
		case <-session.handle.Done():
			_ = session.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(config.WriteWait),
			)
			return
		case <-ticker.C:
			if err := session.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WriteWait)); err != nil {
				return
			}
		}
	}
}

// deviceRef accepts either "device-1" or {"deviceId": "device-1"}.
func deviceRef(raw json.RawMessage) string {
	var deviceID string
	if err := json.Unmarshal(raw, &deviceID); err == nil {
		return strings.TrimSpace(deviceID)
	}

	var object struct {
		DeviceID  string `json:"deviceId"`
		MachineID string `json:"machineId"`
	}
	if err := json.Unmarshal(raw, &object); err != nil {
		return ""
	}
	if object.DeviceID != "" {
		return strings.TrimSpace(object.DeviceID)
	}
	return strings.TrimSpace(object.MachineID)
}

func ingestErrorReason(err error) string {
	if errors.Is(err, ErrHubClosed) {
		return "unavailable"
	}
	return ValidationReason(err)
}
