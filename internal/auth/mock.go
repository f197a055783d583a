package auth

import (
	"github.com/npezzotti/lightning-chat/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockTokenVerifier struct {
	mock.Mock
}

func (m *MockTokenVerifier) Validate(token string) error {
	args := m.Called(token)
	return args.Error(0)
}
func (m *MockTokenVerifier) Principal(token string) (types.Principal, error) {
	args := m.Called(token)
	return args.Get(0).(types.Principal), args.Error(1)
}
