package backend

import (
	"context"
	"net/http"

	"github.com/example/bus-tracking/internal/apperr"
	"github.com/example/bus-tracking/internal/models"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type accountDTO struct {
	ID    flexString `json:"id"`
	Name  flexString `json:"name"`
	Email flexString `json:"email"`
}

type loginResponse struct {
	Success *bool       `json:"success"`
	User    *accountDTO `json:"user"`
	Driver  *accountDTO `json:"driver"`
	Admin   *accountDTO `json:"admin"`
	Message string      `json:"message"`
}

// Login authenticates against the role's login endpoint.
func (c *Client) Login(ctx context.Context, role models.Role, email, password string) (models.Account, error) {
	const op = "login"
	if !role.Valid() {
		return models.Account{}, apperr.Validationf(op, "unknown role %q", role)
	}
	var resp loginResponse
	path := "/" + string(role) + "/login"
	if err := c.do(ctx, op, http.MethodPost, path, nil, nil, credentials{Email: email, Password: password}, &resp); err != nil {
		return models.Account{}, err
	}
	if resp.Success != nil && !*resp.Success {
		return models.Account{}, apperr.New(apperr.Auth, op, orDefault(resp.Message, "invalid credentials"))
	}

	var acct *accountDTO
	switch role {
	case models.RoleUser:
		acct = resp.User
	case models.RoleDriver:
		acct = resp.Driver
	case models.RoleAdmin:
		acct = resp.Admin
	}
	if acct == nil {
		return models.Account{}, apperr.New(apperr.Auth, op, orDefault(resp.Message, "invalid credentials"))
	}
	out := models.Account{ID: string(acct.ID), Name: string(acct.Name), Email: string(acct.Email)}
	if out.ID == "" {
		out.ID = out.Email
	}
	return out, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
