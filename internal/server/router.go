package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"uchat-directory/internal/auth"
	"uchat-directory/internal/handler"
	"uchat-directory/internal/middleware"
	"uchat-directory/internal/socketio"
	"uchat-directory/internal/store"
)

const defaultAuthRateLimit = 10

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig
	Socket      *socketio.Server
	// AuthRateLimit caps login attempts per client IP per minute.
	AuthRateLimit int
	SecureCookie  bool
}

// Router is the backend's HTTP handler. Close releases its background work.
type Router struct {
	*gin.Engine
	loginLimiter *middleware.RateLimiter
}

func (r *Router) Close() {
	r.loginLimiter.Stop()
}

func NewRouter(deps Deps) *Router {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	limit := deps.AuthRateLimit
	if limit <= 0 {
		limit = defaultAuthRateLimit
	}
	loginLimiter := middleware.NewRateLimiter(limit, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, SecureCookie: deps.SecureCookie}

	api := r.Group("/api")
	api.POST("/email", middleware.RateLimitMiddleware(loginLimiter), authHandler.CheckEmail)
	api.POST("/password", middleware.RateLimitMiddleware(loginLimiter), authHandler.CheckPassword)
	api.GET("/logout", authHandler.Logout)
	api.GET("/user-details", middleware.RequireAuth(deps.TokenConfig), authHandler.UserDetails)

	socket := deps.Socket
	if socket == nil {
		socket = socketio.NewServer(socketio.Deps{Store: deps.Store, TokenConfig: deps.TokenConfig})
	}
	r.GET("/socket.io/", gin.WrapH(socket))

	return &Router{Engine: r, loginLimiter: loginLimiter}
}
