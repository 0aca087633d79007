package daemon

import (
	"context"
	"peersync/internal/logger"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// handleEvents streams every host event as one JSON text message until the
// client disconnects or the engine shuts down.
func (s *Server) handleEvents(c echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Log.Warn("websocket upgrade failed", zap.Error(err))
		return nil
	}

	events, unsubscribe := s.engine.Events()
	defer unsubscribe()

	ctx := conn.CloseRead(c.Request().Context())

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return nil

		case ev, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutdown")
				return nil
			}

			data, err := json.Marshal(ev)
			if err != nil {
				logger.Log.Warn("failed to encode event", zap.String("event", ev.Name), zap.Error(err))
				continue
			}

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				logger.Log.Debug("event stream closed", zap.Error(err))
				return nil
			}
		}
	}
}
