package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/aegisops/cisod/internal/answer"
	"github.com/aegisops/cisod/internal/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from the web console origin; token auth is
	// what gates access, not the origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsSink serializes frame writes to one websocket connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ stream.Sink = (*wsSink)(nil)

func (s *wsSink) Send(frame stream.Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(frame)
}

// handleWebSocket serves the streaming question channel. Each client frame
// carries its own token; authentication happens per question, not per
// connection.
func (s *Server) handleWebSocket(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sink := &wsSink{conn: conn}
	ctx := c.Request().Context()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket closed unexpectedly", zap.Error(err))
			}
			return nil
		}

		question, err := stream.ParseQuestion(raw)
		if err != nil {
			if sendErr := sink.Send(stream.Error("invalid request frame")); sendErr != nil {
				return nil
			}
			continue
		}

		identity, err := s.verifier.Verify(question.Token)
		if err != nil {
			s.logger.Warn("rejected websocket token", zap.Error(err))
			if sendErr := sink.Send(stream.Error("invalid token")); sendErr != nil {
				return nil
			}
			continue
		}

		if _, err := s.pipeline.Answer(ctx, answer.Request{
			Identity:       identity,
			Question:       question.Text,
			ConversationID: question.ConversationID,
			FileURL:        question.FileURL,
		}, sink); err != nil {
			s.logger.Error("websocket answer failed",
				zap.String("user_id", identity.UserID),
				zap.Error(err))
		}
	}
}
