package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Minter issues a fresh credential and reports when it expires.
type Minter func() (string, time.Time, error)

// RefreshingToken returns a TokenSource that re-mints the credential once
// it is within margin of expiry. A failed mint keeps serving the previous
// token so the server decides whether it is still good.
func RefreshingToken(mint Minter, margin time.Duration, logger *zap.Logger) TokenSource {
	return refreshingToken(mint, margin, logger, time.Now)
}

func refreshingToken(mint Minter, margin time.Duration, logger *zap.Logger, now func() time.Time) TokenSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		mu      sync.Mutex
		token   string
		expires time.Time
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		if token != "" && now().Add(margin).Before(expires) {
			return token
		}
		fresh, exp, err := mint()
		if err != nil {
			logger.Warn("sync token refresh failed", zap.Error(err), zap.Time("expires_at", expires))
			return token
		}
		token, expires = fresh, exp
		logger.Info("sync token minted", zap.Time("expires_at", exp))
		return token
	}
}
