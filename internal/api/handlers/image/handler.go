package image

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/zimage-server/internal/api/respond"
)

// storage defines the artifact backend the handler reads from.
type storage interface {
	Load(ctx context.Context, filename string) (io.ReadCloser, error)
}

// Handler serves generated images over HTTP.
type Handler struct {
	storage storage
}

// NewHandler creates a new Handler with the given storage backend.
func NewHandler(st storage) *Handler {
	return &Handler{storage: st}
}

// Get streams a generated image by its filename.
func (h *Handler) Get(c *ginext.Context) {
	filename := c.Param("filename")
	if filename == "" {
		respond.Fail(c, http.StatusBadRequest, fmt.Errorf("missing filename"))
		return
	}

	reader, err := h.storage.Load(c.Request.Context(), filename)
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("filename", filename).Msg("image not found")
		respond.Fail(c, http.StatusNotFound, fmt.Errorf("file not found"))
		return
	}
	defer reader.Close()

	// Artifact names embed the job identity, so the content never changes.
	c.Header("Cache-Control", "public, max-age=86400")

	respond.PNG(c, http.StatusOK, reader)
}
