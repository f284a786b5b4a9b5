package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"storystudio/logging"
	"storystudio/services"
)

// ProxyHandler relays third-party media so it can be drawn without tainting
// the export surface
type ProxyHandler struct {
	relay  *services.RelayService
	logger *slog.Logger
}

func NewProxyHandler(relay *services.RelayService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{relay: relay, logger: logging.WithComponent(logger, "proxy_handler")}
}

// Proxy handles GET /api/proxy?url=
func (h *ProxyHandler) Proxy(c *gin.Context) {
	resp, err := h.relay.Open(c.Request.Context(), c.Query("url"))
	switch {
	case errors.Is(err, services.ErrInvalidRelayURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": "URL parameter is required and must be http(s)"})
		return
	case errors.Is(err, services.ErrHostNotAllowed):
		c.JSON(http.StatusForbidden, gin.H{"error": "Host not allowed"})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch resource"})
		return
	}
	defer resp.Body.Close()

	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Content-Type", resp.ContentType)
	if resp.ContentLength >= 0 {
		c.Header("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		h.logger.Warn("relay stream interrupted", "url", logging.SanitizeURL(c.Query("url")), "error", err)
	}
}
