package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/dgellow/gatekeep/internal/authserver"
)

// MockAuthServer is a testify mock of authserver.Client
type MockAuthServer struct {
	mock.Mock
}

var _ authserver.Client = (*MockAuthServer)(nil)

func (m *MockAuthServer) Discover(ctx context.Context, issuer string) (*authserver.Endpoints, error) {
	args := m.Called(ctx, issuer)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authserver.Endpoints), args.Error(1)
}

func (m *MockAuthServer) AuthorizationURL(req authserver.AuthorizationRequest) (string, error) {
	args := m.Called(req)
	return args.String(0), args.Error(1)
}

func (m *MockAuthServer) ExchangeCode(ctx context.Context, req authserver.ExchangeRequest) (*authserver.TokenResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authserver.TokenResponse), args.Error(1)
}

func (m *MockAuthServer) Refresh(ctx context.Context, req authserver.RefreshRequest) (*authserver.TokenResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authserver.TokenResponse), args.Error(1)
}

func (m *MockAuthServer) UserInfo(ctx context.Context, endpoint, accessToken string) (map[string]any, error) {
	args := m.Called(ctx, endpoint, accessToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockAuthServer) ValidateIDToken(ctx context.Context, req authserver.IDTokenRequest) (*authserver.IDTokenClaims, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*authserver.IDTokenClaims), args.Error(1)
}
