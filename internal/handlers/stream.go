package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/middleware"
)

// ServeWS upgrades the connection and hands it to the hub. Authentication
// happens in-band: the first frame of the session must be an auth frame.
func (h *Handlers) ServeWS(c *gin.Context) {
	h.Hub.ServeWS(c.Writer, c.Request)
}

// StreamSSE mirrors the tenant's live channels as server-sent events until
// the client disconnects. The channels query narrows the mirror; empty
// mirrors every channel of the tenant.
func (h *Handlers) StreamSSE(c *gin.Context) {
	p, ok := h.principal(c)
	if !ok {
		return
	}
	var channels []string
	if raw := c.Query("channels"); raw != "" {
		for _, ch := range strings.Split(raw, ",") {
			if ch = strings.TrimSpace(ch); ch != "" {
				channels = append(channels, ch)
			}
		}
	}
	if err := h.Hub.StreamSSE(c.Request.Context(), c.Writer, p, channels); err != nil {
		middleware.GetContextLogger(c, h.Logger).WithError(err).Debug("SSE stream ended")
	}
}
