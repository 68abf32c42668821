package handler

import (
	"time"

	"github.com/hitoshi/coursehub/internal/model"
)

// userResponse はユーザーのAPIレスポンス表現。
type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

func toUserResponse(u *model.User) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt,
	}
}

// identityResponse は認証済みIdentityのAPIレスポンス表現。
type identityResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

func toIdentityResponse(id *model.Identity) identityResponse {
	return identityResponse{
		ID:    id.ID,
		Email: id.Email,
		Name:  id.Name,
		Role:  string(id.Role),
	}
}
