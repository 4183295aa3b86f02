package routes

import (
	"net/http"

	"offline-cache-agent/internal/handlers"
	"offline-cache-agent/internal/middleware"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// ControlPrefix is the path prefix of the agent's own endpoints. Nothing
// under it is ever intercepted.
const ControlPrefix = "/_agent"

// Deps are the handlers the routes dispatch to.
type Deps struct {
	Control     *handlers.Control
	Channel     *handlers.ControlChannel
	Interceptor *handlers.Interceptor
	// Metrics serves the Prometheus exposition; nil disables the endpoint.
	Metrics http.Handler
	Logger  *log.Logger
}

func SetupRoutes(d Deps) *gin.Engine {
	// Create a new GIN Router
	ginRouter := gin.New()
	ginRouter.Use(gin.Recovery(), middleware.RequestLogger(d.Logger))

	agent := ginRouter.Group(ControlPrefix)
	agent.Use(middleware.CORS())
	{
		agent.GET("/health", d.Control.Health)
		agent.GET("/ws", d.Channel.Handle)
		agent.GET("/queue", d.Control.Queue)
		agent.GET("/config/api-cache-age", d.Control.GetAPICacheAge)
		agent.PUT("/config/api-cache-age", d.Control.PutAPICacheAge)
		if d.Metrics != nil {
			agent.GET("/metrics", gin.WrapH(d.Metrics))
		}
	}

	// Everything else is an interception event
	ginRouter.NoRoute(d.Interceptor.Intercept)

	return ginRouter
}
