package middleware

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/models"
)

// AuditWriter persists audit rows.
type AuditWriter interface {
	InsertAudit(ctx context.Context, exec sqlx.ExtContext, entry models.AuditLog, syncedAt time.Time) error
}

// Audit records an audit row after every successful request. The row is
// keyed on the caller's station so administrators can see who pulled what.
func Audit(writer AuditWriter, action string, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now().UTC()
		c.Next()

		if writer == nil || c.Writer.Status() >= 400 {
			return
		}

		entry := models.AuditLog{
			ID:         uuid.NewString(),
			Action:     action,
			EntityType: "Station",
			CreatedAt:  start,
		}
		if claims := Claims(c); claims != nil {
			entry.EntityID = claims.StationID
			if entry.EntityID == "" {
				entry.EntityID = claims.UserID
			}
			if _, err := uuid.Parse(claims.UserID); err == nil {
				entry.UserID = &claims.UserID
			}
		}

		entry.NewValues, _ = json.Marshal(map[string]interface{}{
			"path":      c.FullPath(),
			"query":     c.Request.URL.RawQuery,
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).Milliseconds(),
			"cache_hit": CacheHit(c),
		})

		if err := writer.InsertAudit(c.Request.Context(), nil, entry, time.Now().UTC()); err != nil {
			logger.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		}
	}
}
