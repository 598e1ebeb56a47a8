// Package signal adapts the manager's plain operations onto a websocket
// control channel: one multiplexed connection per client, JSON request and
// response envelopes, a write pump guarded against backpressure.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mkrasnov/confbridge/internal/domain"
	"github.com/mkrasnov/confbridge/internal/engine"
	"github.com/mkrasnov/confbridge/internal/sfu"
)

var ErrBackpressure = errors.New("client send queue full")

// One connection may issue at most rateLimit requests per rateWindow.
const (
	rateLimit  = 50
	rateWindow = time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Controller struct {
	mgr *sfu.Manager
}

func NewController(mgr *sfu.Manager) *Controller {
	return &Controller{mgr: mgr}
}

type wsConn struct {
	conn    *websocket.Conn
	send    chan []byte
	limiter *connLimiter
	once    sync.Once
}

func (c *wsConn) trySend(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Handle upgrades the request and runs the read/write pumps until the client
// disconnects or ctx is canceled.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	clientToken := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Str("module", "signal").Err(err).Msg("ws upgrade failed")
		return
	}
	conn := &wsConn{conn: ws, send: make(chan []byte, 32), limiter: newConnLimiter(rateLimit, rateWindow)}
	ctx, cancel := context.WithCancel(ctx)

	log.Info().Str("module", "signal").Str("client", clientToken).Msg("signaling connection opened")
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, clientToken, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, cancel context.CancelFunc, clientToken string, c *wsConn) {
	defer func() {
		cancel()
		c.close()
		log.Info().Str("module", "signal").Str("client", clientToken).Msg("signaling connection closed")
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			ctl.dispatch(ctx, clientToken, c, data)
		}
	}
}

func (ctl *Controller) dispatch(ctx context.Context, clientToken string, c *wsConn, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		ctl.reply(c, Response{Op: "error", OK: false, Error: "malformed request"})
		return
	}
	if !c.limiter.allow() {
		ctl.reply(c, Response{Op: req.Op, RequestID: req.RequestID, OK: false, Error: "rate limited"})
		return
	}
	if req.UserID == "" {
		req.UserID = clientToken
	}
	payload, err := ctl.execute(ctx, &req)
	resp := Response{Op: req.Op, RequestID: req.RequestID, OK: err == nil, Data: payload}
	if err != nil {
		resp.Error = err.Error()
	}
	ctl.reply(c, resp)
}

func (ctl *Controller) reply(c *wsConn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Str("module", "signal").Err(err).Msg("marshal response")
		return
	}
	if err := c.trySend(data); err != nil {
		log.Warn().Str("module", "signal").Str("op", resp.Op).Err(err).Msg("reply dropped")
	}
}

func (ctl *Controller) execute(ctx context.Context, req *Request) (any, error) {
	sid := domain.SessionID(req.SessionID)
	uid := domain.UserID(req.UserID)

	switch req.Op {
	case OpCreateSession:
		id, err := ctl.mgr.CreateSession(ctx)
		if err != nil {
			return nil, err
		}
		return gin.H{"sessionId": id}, nil
	case OpCloseSession:
		ctl.mgr.CloseSession(sid)
		return nil, nil
	case OpJoin:
		return nil, ctl.mgr.Join(sid, uid)
	case OpLeave:
		return nil, ctl.mgr.Leave(sid, uid)
	case OpCreateTransport:
		opts := engine.TransportOptions{EnableUDP: true, PreferUDP: true}
		if req.TransportOptions != nil {
			opts = *req.TransportOptions
		}
		id, err := ctl.mgr.CreateTransport(ctx, sid, uid, opts)
		if err != nil {
			return nil, err
		}
		return gin.H{"transportId": id}, nil
	case OpConnectTransport:
		var params engine.ConnectParams
		if req.ConnectParams != nil {
			params = *req.ConnectParams
		}
		return nil, ctl.mgr.ConnectTransport(ctx, sid, uid, domain.TransportID(req.TransportID), params)
	case OpCloseTransport:
		return nil, ctl.mgr.CloseTransport(sid, domain.TransportID(req.TransportID))
	case OpCreateProducer:
		var params engine.MediaParams
		if req.MediaParams != nil {
			params = *req.MediaParams
		}
		id, err := ctl.mgr.CreateProducer(ctx, sid, uid, domain.TransportID(req.TransportID), domain.MediaKind(req.Kind), params)
		if err != nil {
			return nil, err
		}
		return gin.H{"producerId": id}, nil
	case OpPauseProducer:
		return nil, ctl.mgr.PauseProducer(ctx, sid, domain.ProducerID(req.ProducerID))
	case OpResumeProducer:
		return nil, ctl.mgr.ResumeProducer(ctx, sid, domain.ProducerID(req.ProducerID))
	case OpCloseProducer:
		return nil, ctl.mgr.CloseProducer(sid, domain.ProducerID(req.ProducerID))
	case OpListProducers:
		list, err := ctl.mgr.ListProducers(sid, uid)
		if err != nil {
			return nil, err
		}
		return gin.H{"producers": list}, nil
	case OpCreateConsumer:
		var caps engine.Capabilities
		if req.Capabilities != nil {
			caps = *req.Capabilities
		}
		id, err := ctl.mgr.CreateConsumer(ctx, sid, uid, domain.TransportID(req.TransportID), domain.ProducerID(req.ProducerID), caps)
		if err != nil {
			return nil, err
		}
		return gin.H{"consumerId": id}, nil
	case OpPauseConsumer:
		return nil, ctl.mgr.PauseConsumer(ctx, sid, domain.ConsumerID(req.ConsumerID))
	case OpResumeConsumer:
		return nil, ctl.mgr.ResumeConsumer(ctx, sid, domain.ConsumerID(req.ConsumerID))
	case OpCloseConsumer:
		return nil, ctl.mgr.CloseConsumer(sid, domain.ConsumerID(req.ConsumerID))
	case OpSnapshot:
		return ctl.mgr.Snapshot(), nil
	case OpDetailedStats:
		return ctl.mgr.DetailedStats(ctx, sid)
	default:
		return nil, errors.New("unknown op: " + req.Op)
	}
}
