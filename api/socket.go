package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"goa.design/clue/log"

	"github.com/stepcast/stepcast/session"
	"github.com/stepcast/stepcast/stream"
)

type (
	// clientMessage is the command frame clients send on the socket.
	clientMessage struct {
		Type  string `json:"type"`
		Query string `json:"query,omitempty"`
		Limit int    `json:"limit,omitempty"`
	}

	// errorMessage reports a protocol or busy error without closing the
	// connection.
	errorMessage struct {
		Type      string `json:"type"`
		Message   string `json:"message"`
		ErrorCode string `json:"error_code,omitempty"`
	}

	// pongMessage answers a heartbeat ping.
	pongMessage struct {
		Type string `json:"type"`
	}

	// stateMessage answers a get_state command.
	stateMessage struct {
		Type  string       `json:"type"`
		State session.Info `json:"state"`
	}
)

// Authentication is out of scope for the gateway, and browser UIs connect
// cross-origin, so the upgrader accepts any origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const socketWriteTimeout = 30 * time.Second

// socket serves the persistent streaming channel for one session. Envelopes
// are forwarded one per network write in exact production order through a
// bounded channel sink; client commands are read on the handler goroutine
// and answered through the same single writer so frames never interleave.
//
// A disconnect only stops forwarding: the session's run keeps producing into
// history and reaches its terminal state whether or not anyone is watching.
func (a *API) socket(c *gin.Context) {
	sess, err := a.mgr.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Error(c.Request.Context(), err, log.KV{K: "msg", V: "websocket upgrade failed"})
		return
	}
	ctx := c.Request.Context()
	defer conn.Close()

	sink := stream.NewChannelSink(a.wsBuffer)
	sub, err := sess.Attach(sink)
	if err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "sink attach failed"})
		return
	}
	defer sub.Close()
	defer sink.Close(ctx)

	// Control replies (pong, errors, state) merge into the envelope stream
	// through the writer goroutine so the connection has a single writer.
	ctrl := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			var msg any
			select {
			case env := <-sink.Events():
				msg = env
			case msg = <-ctrl:
			case <-sink.Done():
				return
			}
			conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				// Fatal transport error: close with a diagnostic reason and
				// leave the session intact for reconnection.
				log.Error(ctx, err, log.KV{K: "msg", V: "websocket write failed"},
					log.KV{K: "session_id", V: sess.ID()})
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "write failed"),
					time.Now().Add(time.Second))
				conn.Close()
				return
			}
		}
	}()

	// reply queues a control message unless the writer is gone.
	reply := func(msg any) bool {
		select {
		case ctrl <- msg:
			return true
		case <-writerDone:
			return false
		}
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			// A frame that is not valid JSON is a protocol error: report it
			// and keep the connection open. Anything else is a transport
			// failure or a close.
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if !reply(errorMessage{Type: "error", Message: "malformed message", ErrorCode: "bad_request"}) {
					return
				}
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf(ctx, "websocket closed: session=%s err=%v", sess.ID(), err)
			}
			return
		}
		switch msg.Type {
		case "query":
			if msg.Query == "" {
				reply(errorMessage{Type: "error", Message: "query text is required", ErrorCode: "bad_request"})
				continue
			}
			// The run must outlive this connection; only the logger survives
			// from the request context.
			runCtx := context.WithoutCancel(ctx)
			go func(q string) {
				err := sess.ProcessQuery(runCtx, q)
				switch {
				case errors.Is(err, session.ErrBusy):
					reply(errorMessage{Type: "error", Message: "session is busy processing another query", ErrorCode: "busy"})
				case errors.Is(err, session.ErrExpired):
					reply(errorMessage{Type: "error", Message: "session expired", ErrorCode: "expired"})
				}
				// Run errors already produced an error envelope on the stream.
			}(msg.Query)
		case "ping":
			reply(pongMessage{Type: "pong"})
		case "get_messages":
			for _, env := range sess.Messages(msg.Limit) {
				if !reply(env) {
					return
				}
			}
		case "get_state":
			reply(stateMessage{Type: "state", State: sess.Snapshot()})
		default:
			reply(errorMessage{Type: "error", Message: "unknown message type: " + msg.Type, ErrorCode: "unknown_type"})
		}
	}
}
