package service

import (
	"time"

	"sessiontrust/internal/entity"
	"sessiontrust/internal/utils"

	"github.com/google/uuid"
)

// JWTSessionIssuer mints the access token bound to a freshly opened trust session.
type JWTSessionIssuer struct {
	Manager *utils.JWTManager
}

func (j JWTSessionIssuer) IssueSessionToken(user entity.User, sessionID uuid.UUID) (string, time.Duration, error) {
	if j.Manager == nil {
		return "", 0, ErrInvalidToken
	}
	return j.Manager.IssueAccessToken(user.ID.String(), string(user.Role), sessionID.String())
}
