package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/adwski/signaling-relay/backend/metrics"
	"github.com/adwski/signaling-relay/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultSignalingSessionCloseTimeout = 2 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	defaultOutboundQueueSize  = 64
	defaultMaxEventsPerSecond = 20
	defaultEventBurst         = 40

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(context.Context, string, model.Wire) error
		DeleteSignalingSession(context.Context, string) error
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		Metrics          *metrics.Metrics
		ListenAddr       string

		MaxMessageSize     int64
		OutboundQueueSize  int
		MaxEventsPerSecond float64
		EventBurst         int
		AllowedOrigins     []string
	}

	Server struct {
		svc     SignalingService
		metrics *metrics.Metrics
		ws      *websocket.Upgrader
		*http.Server

		maxMessageSize     int64
		outboundQueueSize  int
		maxEventsPerSecond float64
		eventBurst         int

		logger zerolog.Logger
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger:             cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:                cfg.SignalingService,
		metrics:            cfg.Metrics,
		maxMessageSize:     cfg.MaxMessageSize,
		outboundQueueSize:  cfg.OutboundQueueSize,
		maxEventsPerSecond: cfg.MaxEventsPerSecond,
		eventBurst:         cfg.EventBurst,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      originChecker(cfg.AllowedOrigins),
		},
	}
	if srv.metrics == nil {
		srv.metrics = metrics.New()
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	if srv.outboundQueueSize <= 0 {
		srv.outboundQueueSize = defaultOutboundQueueSize
	}
	if srv.maxEventsPerSecond <= 0 {
		srv.maxEventsPerSecond = defaultMaxEventsPerSecond
	}
	if srv.eventBurst <= 0 {
		srv.eventBurst = defaultEventBurst
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /signal", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

// originChecker allows every origin when the list is empty.
// Requests without an Origin header do not come from browsers and are allowed.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	cdc, err := codecForFormat(r.URL.Query().Get("format"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	wire := model.NewWire(srv.outboundQueueSize)

	ctx, cancel := context.WithCancel(context.TODO()) // long-living wire context

	err = srv.svc.CreateSignalingSession(ctx, connID, wire)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to create signaling session")
		cancel()
		webSocketCloser(conn, &srv.logger)
		return
	}
	srv.logger.Debug().
		Str("connID", connID).
		Str("format", cdc.format).
		Msg("signaling session created")

	go srv.handleWSConn(ctx, cancel, conn, connID, cdc, wire)
}

func (srv *Server) destroySession(connID string, logger *zerolog.Logger) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(defaultSignalingSessionCloseTimeout))
	defer cancel()
	err := srv.svc.DeleteSignalingSession(ctx, connID)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	logger.Debug().
		Str("connID", connID).
		Msg("signaling session ended")
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID string,
	cdc codec,
	wire model.Wire,
) {
	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", connID).
		Logger()

	// unblock a pending read as soon as either side gives up
	stopRead := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stopRead()

	rcv := &receiver{
		conn:    conn,
		connID:  connID,
		rx:      wire.RX,
		limiter: rate.NewLimiter(rate.Limit(srv.maxEventsPerSecond), srv.eventBurst),
		maxSize: srv.maxMessageSize,
		metrics: srv.metrics,
		logger:  &logger,
	}

	wg.Add(2)
	go func() {
		rcv.run(ctx, wg)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, cdc, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.destroySession(connID, &logger)
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	cdc codec,
	tx <-chan model.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsErr = conn.WriteMessage(websocket.PingMessage, []byte{})
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
			}
			logger.Trace().Msg("ping sent")

		case msg, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, wsErr := cdc.encode(msg)
			if wsErr != nil {
				logger.Error().Err(wsErr).Str("type", msg.Name).Msg("failed to marshall outgoing message")
				continue
			}

			wsErr = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket write deadline")
				break SendLoop
			}
			wsW, wsErr := conn.NextWriter(cdc.messageType)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to get websocket writer")
				break SendLoop
			}
			_, wsErr = wsW.Write(b)
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing message")
				break SendLoop
			}
			wsErr = wsW.Close()
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to close websocket writer")
				break SendLoop
			}
		}
	}
}

type receiver struct {
	conn    *websocket.Conn
	connID  string
	rx      chan<- model.Event
	limiter *rate.Limiter
	maxSize int64
	metrics *metrics.Metrics
	logger  *zerolog.Logger
}

func (rcv *receiver) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	conn, logger := rcv.conn, rcv.logger

	conn.SetReadLimit(rcv.maxSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			msgType, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				if websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway) {
					logger.Debug().Err(wsErr).Msg("connection closed")
				} else if ctx.Err() == nil {
					logger.Warn().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}
			// any inbound frame proves the client is alive
			if wsErr = readDeadLineFunc(defaultPongWait); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to set websocket read deadline")
				break RecvLoop
			}

			ev, wsErr := decodeFrame(msgType, msg)
			if wsErr != nil {
				rcv.metrics.Inc(metrics.EventsMalformed)
				logger.Warn().Err(wsErr).Msg("failed to unmarshall incoming message")
				continue
			}

			// membership and presence events are never throttled
			if model.IsRelayEvent(ev.Name) && !rcv.limiter.Allow() {
				rcv.metrics.Inc(metrics.RateLimited)
				logger.Warn().Str("type", ev.Name).Msg("inbound relay rate exceeded, event dropped")
				continue
			}
			ev.SRC = rcv.connID
			if logger.GetLevel() <= zerolog.TraceLevel {
				logger.Trace().Str("event", spew.Sdump(ev)).Msg("incoming event")
			}
			select {
			case rcv.rx <- ev:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage, []byte{})
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
