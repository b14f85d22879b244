package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/mossy-p/webrtc-matchmaking/internal/cache"
	"github.com/mossy-p/webrtc-matchmaking/internal/hub"
)

const statsKey = "stats:matchmaking"
const statsTTL = 30 * time.Second

// GetStats reports live counters from the hub. The snapshot is mirrored to
// the external cache so other nodes and dashboards can read it without
// hitting this process.
func GetStats(h *hub.Hub, c cache.Cache) gin.HandlerFunc {
	return func(gc *gin.Context) {
		snap := h.Snapshot()

		if b, err := json.Marshal(snap); err == nil {
			if err := c.Set(gc.Request.Context(), statsKey, b, statsTTL); err != nil {
				log.Warn().Err(err).Str("module", "handlers").Msg("stats mirror failed")
			}
		}

		gc.JSON(http.StatusOK, snap)
	}
}
