package keyadmin

import (
	"context"
	"net/http"

	"github.com/nextkey/keyadmin/pkg/constants"
	"github.com/nextkey/keyadmin/pkg/types"
)

// gatewayRefresher exchanges a refresh token at the refresh endpoint. The
// request is anonymous, so a 401 there ends in a refresh failure instead of
// another refresh.
type gatewayRefresher struct {
	gateway *Gateway
}

// Refresh implements auth.TokenRefresher.
func (r *gatewayRefresher) Refresh(ctx context.Context, refreshToken string) (*types.TokenPair, error) {
	var pair types.TokenPair
	err := r.gateway.execute(ctx, &Request{
		Method:    http.MethodPost,
		Path:      constants.RefreshPath,
		Body:      types.RefreshRequest{RefreshToken: refreshToken},
		Anonymous: true,
		NoRefresh: true,
	}, &pair, "", false)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}
