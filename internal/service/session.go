package service

import (
	"agrifinance/internal/model"

	"github.com/google/uuid"
)

// Session identifies the caller of a service operation. Handlers build it from
// the verified JWT and pass it explicitly.
type Session struct {
	UserID uuid.UUID
	Role   string
}

func (s Session) IsAdmin() bool {
	return s.Role == model.RoleAdmin
}

func requireAdmin(s Session) error {
	if !s.IsAdmin() {
		return ErrForbidden
	}
	return nil
}
