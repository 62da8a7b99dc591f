package backend

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/sessiond/internal/model"
)

// accessTokenClaims はアクセストークン（JWT）のクレーム。
// 署名検証はバックエンドの責務であり、クライアント側では行わない。
type accessTokenClaims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// sessionFromAccessToken はアクセストークンのクレームから
// SessionTokenとIdentityを構築する。
// 有効期限はexpクレームを優先し、無い場合はexpiresInから算出する。
func sessionFromAccessToken(accessToken, refreshToken string, expiresIn int) (*model.SessionToken, *model.Identity, error) {
	claims := &accessTokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return nil, nil, fmt.Errorf("failed to parse access token claims: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	token := &model.SessionToken{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}

	identity := &model.Identity{
		ID:       claims.Subject,
		Email:    claims.Email,
		Provider: model.ProviderPassword,
		Metadata: claims.UserMetadata,
	}
	if p, ok := claims.AppMetadata["provider"].(string); ok {
		identity.Provider = domainProviderName(p)
	}

	return token, identity, nil
}
