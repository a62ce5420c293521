package helix

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// User is a stable channel identity. Logins can legally change on the
// platform but are treated as stable within a run.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

func (u User) String() string {
	if u.Login != "" {
		return u.Login
	}
	return u.ID
}

// GetUserByID resolves a user from its id.
func GetUserByID(ctx context.Context, auth *Auth, id string) (User, error) {
	return getUser(ctx, auth, url.Values{"id": {id}})
}

// GetUserByLogin resolves a user from its login.
func GetUserByLogin(ctx context.Context, auth *Auth, login string) (User, error) {
	return getUser(ctx, auth, url.Values{"login": {login}})
}

func getUser(ctx context.Context, auth *Auth, query url.Values) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		auth.APIURL("/users")+"?"+query.Encode(), nil)
	if err != nil {
		return User{}, fmt.Errorf("helix: build users request: %w", err)
	}

	var res struct {
		Data []User `json:"data"`
	}
	if err := auth.DoJSON(req, &res); err != nil {
		return User{}, err
	}
	if len(res.Data) == 0 {
		return User{}, fmt.Errorf("helix: no user matches %v", query)
	}
	return res.Data[0], nil
}
