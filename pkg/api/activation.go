package api

import (
	"errors"
	"fmt"
	"html"
	"net/http"
	"net/url"

	echo "github.com/labstack/echo/v5"

	"github.com/cklose2000/Snowflake-POC2-sub006/pkg/models"
)

const activationPage = `<!DOCTYPE html>
<html>
<head><title>Activate token</title></head>
<body>
<h1>Activate your access token</h1>
<p>Confirm activation of code <code>%s</code>. This link can only be used once.</p>
<form method="POST">
  <button type="submit">Activate</button>
</form>
</body>
</html>`

// activationPageHandler handles GET /activate/:code with a confirmation page.
// The code is only consumed on POST so link previews cannot burn it.
func (s *Server) activationPageHandler(c *echo.Context) error {
	code := c.Param("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusNotFound, "activation code is required")
	}
	return c.HTML(http.StatusOK, renderActivationPage(code))
}

// activationSubmitHandler handles POST /activate/:code: validates the code,
// issues the token, and redirects to the client's custom-scheme deeplink.
func (s *Server) activationSubmitHandler(c *echo.Context) error {
	code := c.Param("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusNotFound, "activation code is required")
	}

	// Per-IP throttle; exceeding it never touches the warehouse.
	if err := s.activationLimiter.Allow(c.Request().Context(), "ip:"+c.RealIP()); err != nil {
		return c.JSON(http.StatusTooManyRequests, errorMessage(err))
	}

	token, username, err := s.auth.Activate(c.Request().Context(), code)
	if err != nil {
		var gw *models.GatewayError
		if errors.As(err, &gw) {
			return c.JSON(httpStatus(gw), errorMessage(gw))
		}
		s.logger.Error("activation failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "activation failed")
	}

	deeplink := "claudecode://activate?" + url.Values{
		"token": {token},
		"user":  {username},
	}.Encode()
	return c.Redirect(http.StatusFound, deeplink)
}

func renderActivationPage(code string) string {
	return fmt.Sprintf(activationPage, html.EscapeString(code))
}
