package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"lightercpty/config"
	"lightercpty/logger"
	"lightercpty/models"
)

// Engine is the session core the server dispatches requests into.
type Engine interface {
	Login(ctx context.Context, req models.LoginRequest) *models.LoginResult
	Logout(ctx context.Context) *models.LoginResult
	PlaceOrder(ctx context.Context, req models.PlaceOrderRequest)
	CancelOrder(ctx context.Context, req models.CancelOrderRequest)
	CancelAllOrders(ctx context.Context, req models.CancelAllOrdersRequest)
	ReconcileOpenOrders() *models.OpenOrders
	Events() <-chan models.Notification
}

// Server exposes the gateway to the trading core as a bidirectional
// JSON stream over websocket. Requests arrive as CoreRequest envelopes;
// direct responses go back on the requesting connection and engine
// events fan out to every connection.
type Server struct {
	config   *config.Config
	engine   Engine
	log      *logger.Log
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	mu      sync.Mutex
	conns   map[string]*clientConn
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type clientConn struct {
	id   string
	ws   *websocket.Conn
	send chan models.Notification
}

func NewServer(cfg *config.Config, engine Engine) *Server {
	return &Server{
		config: cfg,
		engine: engine,
		log:    logger.GetLogger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[string]*clientConn),
	}
}

// Handler returns the HTTP handler serving the gateway endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Gateway.Endpoint, s.handleWS)
	return mux
}

// Start begins listening for trading core connections.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("gateway server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.httpSrv = &http.Server{
		Addr:    s.config.Gateway.ListenAddr,
		Handler: s.Handler(),
	}

	s.wg.Add(2)
	go s.serve()
	go s.broadcastLoop()

	s.log.WithComponent("gateway").WithFields(logger.Fields{
		"addr":     s.config.Gateway.ListenAddr,
		"endpoint": s.config.Gateway.Endpoint,
	}).Info("gateway listening")
	return nil
}

// Stop closes every connection and shuts the listener down.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conns := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	for _, c := range conns {
		c.ws.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	s.httpSrv.Shutdown(shutdownCtx)
	cancel()
	s.wg.Wait()
	s.log.WithComponent("gateway").Info("gateway stopped")
}

func (s *Server) serve() {
	defer s.wg.Done()
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.WithComponent("gateway").WithError(err).Error("listener failed")
	}
}

// broadcastLoop fans engine notifications out to every connection.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case n, ok := <-s.engine.Events():
			if !ok {
				return
			}
			s.mu.Lock()
			for _, c := range s.conns {
				select {
				case c.send <- n:
				default:
					s.log.WithComponent("gateway").WithFields(logger.Fields{
						"conn": c.id,
					}).Warn("connection send buffer full, dropping notification")
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithComponent("gateway").WithError(err).Warn("upgrade failed")
		return
	}

	c := &clientConn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan models.Notification, 64),
	}
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	log := s.log.WithComponent("gateway").WithFields(logger.Fields{
		"conn":   c.id,
		"remote": r.RemoteAddr,
	})
	log.Info("trading core connected")

	s.wg.Add(1)
	go s.writeLoop(c)
	s.readLoop(c, log)
}

func (s *Server) writeLoop(c *clientConn) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case n, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteJSON(n); err != nil {
				return
			}
		}
	}
}

func (s *Server) readLoop(c *clientConn, log *logger.Entry) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		close(c.send)
		c.ws.Close()
		log.Info("trading core disconnected")
	}()

	for {
		var req models.CoreRequest
		if err := c.ws.ReadJSON(&req); err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("read failed")
			}
			return
		}
		if err := req.Validate(); err != nil {
			log.WithError(err).Warn("malformed request")
			continue
		}
		s.dispatch(c, req)
	}
}

// dispatch runs one request against the engine. Requests on one
// connection execute in arrival order; login and reconciliation
// results go back to the requesting connection only.
func (s *Server) dispatch(c *clientConn, req models.CoreRequest) {
	switch {
	case req.Login != nil:
		res := s.engine.Login(s.ctx, *req.Login)
		s.sendDirect(c, models.Notification{LoginResult: res})

	case req.Logout != nil:
		res := s.engine.Logout(s.ctx)
		s.sendDirect(c, models.Notification{LoginResult: res})

	case req.PlaceOrder != nil:
		s.engine.PlaceOrder(s.ctx, *req.PlaceOrder)

	case req.CancelOrder != nil:
		s.engine.CancelOrder(s.ctx, *req.CancelOrder)

	case req.CancelAllOrders != nil:
		s.engine.CancelAllOrders(s.ctx, *req.CancelAllOrders)

	case req.ReconcileOpenOrders != nil:
		s.sendDirect(c, models.Notification{OpenOrders: s.engine.ReconcileOpenOrders()})
	}
}

func (s *Server) sendDirect(c *clientConn, n models.Notification) {
	select {
	case c.send <- n:
	default:
		s.log.WithComponent("gateway").WithFields(logger.Fields{
			"conn": c.id,
		}).Warn("connection send buffer full, dropping response")
	}
}
