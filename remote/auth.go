package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew refreshes tokens slightly before they actually expire.
const expirySkew = 30 * time.Second

// User is the authenticated account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is an access/refresh token pair for one user.
type Session struct {
	ExpiresAt    time.Time `json:"expires_at"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	User         User      `json:"user"`
}

// Expired reports whether the access token is at or near expiry.
// A zero expiry is treated as unknown and never expired; the server's 401 decides.
func (s *Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt.Add(-expirySkew))
}

// TokenExpiry reads the exp claim from an access token without verifying the signature.
// The token is only inspected to schedule a refresh; the server remains the verifier.
func TokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// tokenResponse is the auth endpoint's session payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         User   `json:"user"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
}

func (c *Client) sessionFrom(tr *tokenResponse) *Session {
	s := &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		User:         tr.User,
		ExpiresAt:    TokenExpiry(tr.AccessToken),
	}
	if s.ExpiresAt.IsZero() {
		switch {
		case tr.ExpiresAt > 0:
			s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
		case tr.ExpiresIn > 0:
			s.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		}
	}
	return s
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn exchanges email and password for a session.
func (c *Client) SignIn(ctx context.Context, email, password string) (*Session, error) {
	var tr tokenResponse
	if err := c.send(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", credentials{Email: email, Password: password}, &tr, "", ""); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("sign in: no access token in response")
	}
	s := c.sessionFrom(&tr)
	c.SetSession(s)
	c.logger.Info("Signed in", "user_id", s.User.ID)
	return s, nil
}

// SignUp creates an account. When email confirmation is disabled the response
// carries a session and the client is signed in.
func (c *Client) SignUp(ctx context.Context, email, password string) (*Session, error) {
	var tr tokenResponse
	if err := c.send(ctx, http.MethodPost, "/auth/v1/signup", credentials{Email: email, Password: password}, &tr, "", ""); err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	if tr.AccessToken == "" {
		c.logger.Info("Sign up pending email confirmation", "email", email)
		return nil, nil
	}
	s := c.sessionFrom(&tr)
	c.SetSession(s)
	c.logger.Info("Signed up", "user_id", s.User.ID)
	return s, nil
}

// SignOut revokes the session remotely and clears it locally. The local session
// is cleared even when the remote call fails.
func (c *Client) SignOut(ctx context.Context) error {
	sess := c.Session()
	if sess == nil {
		return nil
	}
	err := c.send(ctx, http.MethodPost, "/auth/v1/logout", nil, nil, sess.AccessToken, "")
	c.SetSession(nil)
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// CurrentUser fetches the authenticated user from the auth endpoint.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.authed(ctx, http.MethodGet, "/auth/v1/user", nil, &u, ""); err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// Refresh exchanges the refresh token for a new session.
func (c *Client) Refresh(ctx context.Context) error {
	sess := c.Session()
	if sess == nil || sess.RefreshToken == "" {
		return ErrNotAuthenticated
	}

	var tr tokenResponse
	body := map[string]string{"refresh_token": sess.RefreshToken}
	if err := c.send(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token", body, &tr, "", ""); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	if tr.AccessToken == "" {
		return errors.New("refresh token: no access token in response")
	}
	next := c.sessionFrom(&tr)
	if next.User.ID == "" {
		next.User = sess.User
	}
	if next.RefreshToken == "" {
		next.RefreshToken = sess.RefreshToken
	}
	c.SetSession(next)
	c.logger.Info("Session refreshed", "user_id", next.User.ID, "expires_at", next.ExpiresAt.Format(time.RFC3339))
	return nil
}
