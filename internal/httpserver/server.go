// Package httpserver wires the HTTP surface: health, WebRTC offer/answer and
// websocket signaling, and the Twilio webhook routes when the phone screen is
// configured.
package httpserver

import (
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/talentframe/interview-agent/internal/config"
	"github.com/talentframe/interview-agent/internal/phone"
	"github.com/talentframe/interview-agent/internal/rtc"
)

// Options bundles the route dependencies. Phone is optional; the webhook
// routes are mounted only when it is set.
type Options struct {
	Cfg   config.Config
	RTC   *rtc.Handler
	Phone *phone.Service
}

// New builds the echo server with all routes registered.
func New(opts Options) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Auth-Token"},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.POST("/call", func(c echo.Context) error {
		if !authOK(c.Request(), opts.Cfg.AuthPassword) {
			return c.String(http.StatusUnauthorized, "unauthorized")
		}
		var offer rtc.SessionDescription
		if err := c.Bind(&offer); err != nil {
			log.Printf("invalid offer: %v", err)
			return c.String(http.StatusBadRequest, "invalid offer")
		}
		answer, err := opts.RTC.HandleOffer(c.Request().Context(), offer)
		if err != nil {
			log.Printf("webrtc handle offer failed: %v", err)
			return c.String(http.StatusInternalServerError, "offer failed")
		}
		return c.JSON(http.StatusOK, answer)
	})

	e.GET("/signal", func(c echo.Context) error {
		opts.RTC.ServeWebSocket(c.Response(), c.Request(), opts.Cfg.ICEServersJSON, opts.Cfg.AuthPassword)
		return nil
	})

	if opts.Phone != nil {
		opts.Phone.RegisterHandlers(e)
		e.POST("/phone/dial", func(c echo.Context) error {
			if !authOK(c.Request(), opts.Cfg.AuthPassword) {
				return c.String(http.StatusUnauthorized, "unauthorized")
			}
			return opts.Phone.HandleDial(c)
		})
	}

	return e
}

// authOK accepts the session password via query, bearer token, or
// X-Auth-Token header. An empty expected password disables the check.
func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == expected {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == expected {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == expected {
		return true
	}
	return false
}
