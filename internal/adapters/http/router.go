package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/guestuser2025NL/meshaudio/internal/adapters/relay"
	"github.com/guestuser2025NL/meshaudio/internal/app"
	"github.com/guestuser2025NL/meshaudio/internal/config"
	"github.com/guestuser2025NL/meshaudio/internal/domain"
)

// RequesterMiddleware resolves the caller's identity. A logged-in user
// (set by an external auth layer into the cookie session) wins;
// otherwise the sticky client-token cookie identifies the requester.
func RequesterMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if user := sessions.Default(c).Get("user"); user != nil {
			if s, ok := user.(string); ok && s != "" {
				c.Set("requester", s)
				c.Set("authenticated", true)
				c.Next()
				return
			}
		}
		token, _ := c.Cookie("ct")
		if token == "" {
			token = uuid.NewString()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("requester", token)
		c.Set("authenticated", false)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, store *app.Store, ctl *relay.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	cookieStore := cookie.NewStore([]byte(cfg.CookieSecret))
	r.Use(sessions.Sessions("MeshAudioSessions", cookieStore))
	r.Use(RequesterMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/token", issueTokenHandler(cfg, store))

	r.GET("/ws/agent", func(c *gin.Context) {
		ctl.HandleDevice(ctx, c)
	})
	r.GET("/ws/listen", func(c *gin.Context) {
		ctl.HandleViewer(ctx, c)
	})

	return r
}

type tokenRequest struct {
	DeviceID string `json:"deviceId"`
}

type tokenResponse struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}

func issueTokenHandler(cfg *config.Config, store *app.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cfg.AllowUnauthenticated && !c.GetBool("authenticated") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		var req tokenRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.DeviceID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing deviceId"})
			return
		}

		sess, err := store.IssueToken(domain.DeviceID(req.DeviceID), domain.RequesterID(c.GetString("requester")))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, tokenResponse{
			SessionID: string(sess.ID),
			Token:     sess.Token,
			ExpiresAt: sess.ExpiresAt.UnixNano() / int64(time.Millisecond),
		})
	}
}
