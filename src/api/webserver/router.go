package webserver

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func attachRoutes(r *gin.Engine, deps Deps) {
	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(deps.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = deps.AllowOrigins
	} else {
		corsCfg.AllowAllOrigins = true
	}
	r.Use(cors.New(corsCfg))

	health := newHealth(deps)
	r.GET("/live", gin.WrapF(health.LiveEndpoint))
	r.GET("/ready", gin.WrapF(health.ReadyEndpoint))

	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	if deps.Proposals != nil {
		propH := NewProposals(deps.Proposals)
		v1 := r.Group("/v1")
		v1.Use(RateLimitMiddleware(NewRateLimiter(deps.rateLimit(), time.Minute)))
		{
			v1.GET("/proposals", propH.List)
			v1.GET("/proposals/:id", propH.Get)
		}
	}
}
