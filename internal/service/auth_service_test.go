package service

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/election-sync/internal/models"
	appErrors "github.com/noah-isme/election-sync/pkg/errors"
)

func newTestAuthService() *AuthService {
	return NewAuthService(nil, zap.NewNop(), AuthConfig{Secret: "secret", Expiration: time.Hour, Issuer: "election-sync"})
}

func TestIssueAndValidateToken(t *testing.T) {
	svc := newTestAuthService()

	token, expires, err := svc.IssueToken(models.IssueTokenRequest{UserID: "op-1", Role: models.RoleOperator, StationID: "pen-7"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, 5*time.Second)

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "op-1", claims.UserID)
	assert.Equal(t, models.RoleOperator, claims.Role)
	assert.Equal(t, "pen-7", claims.StationID)
	assert.Equal(t, "election-sync", claims.Issuer)
}

func TestIssueTokenValidatesRequest(t *testing.T) {
	svc := newTestAuthService()

	_, _, err := svc.IssueToken(models.IssueTokenRequest{UserID: "op-1", Role: "VOTER"})
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))

	_, _, err = svc.IssueToken(models.IssueTokenRequest{Role: models.RoleAdmin})
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestValidateTokenRejectsForeignSecret(t *testing.T) {
	other := NewAuthService(nil, nil, AuthConfig{Secret: "other"})
	token, _, err := other.IssueToken(models.IssueTokenRequest{UserID: "op-1", Role: models.RoleOperator})
	require.NoError(t, err)

	_, err = newTestAuthService().ValidateToken(token)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	svc := newTestAuthService()
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	token, _, err := svc.IssueToken(models.IssueTokenRequest{UserID: "op-1", Role: models.RoleOperator})
	require.NoError(t, err)

	_, err = newTestAuthService().ValidateToken(token)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestValidateTokenRejectsOtherAlgorithms(t *testing.T) {
	claims := &models.JWTClaims{UserID: "op-1", Role: models.RoleOperator}
	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = newTestAuthService().ValidateToken(signed)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}

func TestValidateTokenRequiresIdentity(t *testing.T) {
	claims := &models.JWTClaims{Role: "GUEST"}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = newTestAuthService().ValidateToken(signed)
	assert.True(t, appErrors.Is(err, appErrors.ErrUnauthorized))
}
