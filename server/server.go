package server

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Badgercharge/Energymanager/internal"
	"github.com/Badgercharge/Energymanager/internal/config"
	"github.com/Badgercharge/Energymanager/ocpp"
	"github.com/Badgercharge/Energymanager/types"
	"github.com/Badgercharge/Energymanager/utility"
)

const featureName = "Server"

const wsEndpoint = "/ocpp/:id"

// ConnectionWatchdog is notified when a charge point socket opens or
// closes, after the connection registry has been updated.
type ConnectionWatchdog interface {
	OnConnect(chargePointId string)
	OnDisconnect(chargePointId string)
}

type Server struct {
	conf           *config.Config
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	logger         internal.LogHandler
	watchdog       ConnectionWatchdog
	messageHandler func(ws *WebSocket, data []byte) error

	mux         sync.Mutex
	connections map[string]*WebSocket
}

type WebSocket struct {
	conn          *websocket.Conn
	chargePointId string

	send   sync.Mutex
	closed bool
}

func (ws *WebSocket) ChargePointId() string {
	return ws.chargePointId
}

func NewServer(conf *config.Config, logger internal.LogHandler) *Server {
	server := Server{
		conf:        conf,
		logger:      logger,
		connections: make(map[string]*WebSocket),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{types.SubProtocol16},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}
	return &server
}

func (s *Server) SetMessageHandler(handler func(ws *WebSocket, data []byte) error) {
	s.messageHandler = handler
}

func (s *Server) SetWatchdog(watchdog ConnectionWatchdog) {
	s.watchdog = watchdog
}

func (s *Server) Start() {
	router := httprouter.New()
	router.GET(wsEndpoint, s.handleWsRequest)

	serverAddress := fmt.Sprintf("%s:%s", s.conf.Listen.BindIP, s.conf.Listen.Port)
	s.logger.FeatureEvent(featureName, "", fmt.Sprintf("starting on %s", serverAddress))
	s.httpServer = &http.Server{
		Addr:    serverAddress,
		Handler: router,
	}

	var err error
	if s.conf.Listen.TLS {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = s.httpServer.ListenAndServeTLS(s.conf.Listen.CertFile, s.conf.Listen.KeyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err != nil {
		s.logger.Error("server stopped", err)
	}
}

func (s *Server) handleWsRequest(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	chargePointId := p.ByName("id")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", err)
		return
	}
	ws := &WebSocket{
		conn:          conn,
		chargePointId: chargePointId,
	}

	if len(s.conf.KnownChargePoints) > 0 && !utility.Contains(s.conf.KnownChargePoints, chargePointId) {
		s.logger.Warn(fmt.Sprintf("rejecting unknown charge point: %s", chargePointId))
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "charge point not registered")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	remoteAddr := "-"
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteAddr = addr.IP.String()
	}
	s.logger.FeatureEvent(featureName, chargePointId, fmt.Sprintf("connected from %s; protocol: %s", remoteAddr, conn.Subprotocol()))

	s.register(ws)
	if s.watchdog != nil {
		s.watchdog.OnConnect(chargePointId)
	}
	go s.messageReader(ws)
}

// register stores the connection under the charge point id; a lingering
// previous socket for the same id is closed first.
func (s *Server) register(ws *WebSocket) {
	s.mux.Lock()
	previous, ok := s.connections[ws.chargePointId]
	s.connections[ws.chargePointId] = ws
	count := len(s.connections)
	s.mux.Unlock()
	if ok {
		_ = previous.conn.Close()
	}
	observeConnections(count)
}

func (s *Server) unregister(ws *WebSocket) {
	s.mux.Lock()
	current, ok := s.connections[ws.chargePointId]
	if ok && current == ws {
		delete(s.connections, ws.chargePointId)
	}
	count := len(s.connections)
	s.mux.Unlock()
	observeConnections(count)
}

func (s *Server) messageReader(ws *WebSocket) {
	defer func() {
		ws.send.Lock()
		ws.closed = true
		ws.send.Unlock()
		_ = ws.conn.Close()
		s.unregister(ws)
		s.logger.FeatureEvent(featureName, ws.chargePointId, "disconnected")
		if s.watchdog != nil {
			s.watchdog.OnDisconnect(ws.chargePointId)
		}
	}()
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn(fmt.Sprintf("%s: connection lost: %s", ws.chargePointId, err))
			}
			return
		}
		s.logger.RawDataEvent("received", string(data))
		if s.messageHandler == nil {
			continue
		}
		if err = s.messageHandler(ws, data); err != nil {
			s.logger.Error("handling message", err)
		}
	}
}

func (s *Server) writeMessage(ws *WebSocket, data []byte) error {
	ws.send.Lock()
	defer ws.send.Unlock()
	if ws.closed {
		return utility.Err(fmt.Sprintf("connection closed: %s", ws.chargePointId))
	}
	s.logger.RawDataEvent("sent", string(data))
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

// SendResponse answers an inbound Call on the same socket.
func (s *Server) SendResponse(ws *WebSocket, uniqueId string, response ocpp.Response) error {
	callResult := CreateCallResult(response, uniqueId)
	data, err := json.Marshal(callResult)
	if err != nil {
		return err
	}
	return s.writeMessage(ws, data)
}

// SendRequest pushes an outbound Call to a connected charge point. The
// caller owns the unique id so it can correlate the asynchronous result.
func (s *Server) SendRequest(chargePointId, uniqueId string, request ocpp.Request) error {
	s.mux.Lock()
	ws, ok := s.connections[chargePointId]
	s.mux.Unlock()
	if !ok {
		return utility.Err(fmt.Sprintf("charge point not connected: %s", chargePointId))
	}
	call := CreateCall(request, uniqueId)
	data, err := json.Marshal(call)
	if err != nil {
		return err
	}
	return s.writeMessage(ws, data)
}

// IsConnected reports whether a live socket exists for the charge point.
func (s *Server) IsConnected(chargePointId string) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	_, ok := s.connections[chargePointId]
	return ok
}
