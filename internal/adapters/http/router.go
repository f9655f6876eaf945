package http

import (
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/roomcast/roomcast/internal/adapters/signal"
	"github.com/roomcast/roomcast/internal/config"
)

const sessionAuthorizedKey = "authorized"

type passwordRequest struct {
	Password string `json:"password"`
}

// verifyPassword is the room's shared-secret gate. A successful check marks
// the session so the websocket endpoint accepts the connection.
func verifyPassword(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req passwordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "bad request"})
			return
		}
		if cfg.Password == "" || req.Password != cfg.Password {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "wrong password"})
			return
		}

		sess := sessions.Default(c)
		sess.Set(sessionAuthorizedKey, true)
		if err := sess.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			c.JSON(http.StatusInternalServerError, gin.H{"success": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// iceConfig hands clients the STUN servers they should negotiate through,
// so browser and CLI participants agree on the ICE setup.
func iceConfig(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		servers := make([]gin.H, 0, len(cfg.STUNServers))
		for _, u := range cfg.STUNServers {
			servers = append(servers, gin.H{"urls": u})
		}
		c.JSON(http.StatusOK, gin.H{"iceServers": servers})
	}
}

// requireAuthorized guards the signaling endpoint. With no password
// configured the room is open.
func requireAuthorized(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Password == "" {
			c.Next()
			return
		}
		sess := sessions.Default(c)
		if ok, _ := sess.Get(sessionAuthorizedKey).(bool); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "password required"})
			return
		}
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("RoomcastSession", store))

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/verify-password", verifyPassword(cfg))
	api.GET("/ice-config", iceConfig(cfg))
	api.GET("/ws/signal", requireAuthorized(cfg), func(c *gin.Context) {
		ctl.HandleSignal(c)
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
