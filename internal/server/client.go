package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"twentyone/internal/session"
)

const (
	readLimit    = 4096
	writeTimeout = 10 * time.Second
)

// handleWebSocket runs one client: a writer goroutine draining the session's
// outbox and a reader loop feeding the controller.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // allow any origin for dev
	})
	if err != nil {
		s.log.Warn("websocket accept", "error", err)
		return
	}
	ws.SetReadLimit(readLimit)

	id := uuid.NewString()
	log := s.log.With("session", id)
	sess := session.New(id, s.opts.OutboxSize)
	s.sessions.Add(sess)
	cn := &conn{sess: sess}
	log.Info("client connected", "remote", r.RemoteAddr)

	ctx := r.Context()
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, ws, sess)
	}()

	s.ctrl.send(sess, CmdConnect, greeting{ID: id})

	limiter := rate.NewLimiter(rate.Limit(s.opts.CommandRate), s.opts.CommandBurst)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("read ended", "error", err)
			}
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("invalid message", "error", err)
			s.ctrl.sendError(sess, errors.New("invalid message"))
			continue
		}
		if !s.ctrl.Handle(cn, msg) {
			break
		}
	}

	s.ctrl.Disconnect(cn)
	<-writerDone
	log.Info("client disconnected")
}

// writeLoop writes queued messages until the poison message or a failed
// write, then closes the socket.
func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, sess *session.Session) {
	for {
		msg, ok := sess.Next()
		if !ok {
			break
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := ws.Write(wctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			sess.Kill()
			break
		}
	}
	ws.Close(websocket.StatusNormalClosure, "")
}
