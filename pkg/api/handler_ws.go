package api

import (
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades the connection and hands it to the connection manager.
// HandleConnection blocks until the WebSocket closes.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.manager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	s.manager.HandleConnection(c.Request().Context(), conn)
	return nil
}
