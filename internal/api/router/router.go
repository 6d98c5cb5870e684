package router

import (
	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/zimage-server/internal/api/handlers/image"
	"github.com/aliskhannn/zimage-server/internal/api/handlers/ws"
	"github.com/aliskhannn/zimage-server/internal/api/respond"
	"github.com/aliskhannn/zimage-server/internal/middleware"
)

func Setup(wsHandler *ws.Handler, imageHandler *image.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	api := r.Group("/api")

	api.GET("/health", health)
	api.GET("/ws", wsHandler.Serve)                 // duplex job management connection
	api.GET("/image/:filename", imageHandler.Get)   // generated image retrieval

	return r
}

func health(c *ginext.Context) {
	respond.OK(c, map[string]string{"status": "ok"})
}
