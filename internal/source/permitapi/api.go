package permitapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rupak1811/permiso/internal/model"
	"github.com/rupak1811/permiso/internal/source"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string           `json:"token"`
	User  source.Principal `json:"user"`
}

type listResponse struct {
	Items []model.Record `json:"items"`
	Total int            `json:"total"`
}

var (
	_ source.Authenticator = (*Client)(nil)
	_ source.Fetcher       = (*Client)(nil)
)

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, identifier, secret string) (string, *source.Principal, error) {
	var resp loginResponse
	err := c.do(ctx, http.MethodPost, "/api/auth/login", "", loginRequest{
		Email:    identifier,
		Password: secret,
	}, &resp)
	if err != nil {
		return "", nil, fmt.Errorf("logging in as %s: %w", identifier, err)
	}
	if resp.Token == "" {
		return "", nil, fmt.Errorf("logging in as %s: server returned no token", identifier)
	}
	return resp.Token, &resp.User, nil
}

// Validate asks the server who owns credential. A 401/403 surfaces as
// *source.AuthError.
func (c *Client) Validate(ctx context.Context, credential string) (*source.Principal, error) {
	var principal source.Principal
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", credential, nil, &principal); err != nil {
		return nil, fmt.Errorf("validating credential: %w", err)
	}
	return &principal, nil
}

// Fetch lists one page of a resource collection.
func (c *Client) Fetch(ctx context.Context, q source.Query) (*source.Collection, error) {
	if q.Resource == "" {
		return nil, fmt.Errorf("fetch: resource is required")
	}

	params := url.Values{}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		params.Set("limit", strconv.Itoa(q.PageSize))
	}
	path := "/api/" + url.PathEscape(string(q.Resource))
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var resp listResponse
	if err := c.Get(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", q.Resource, err)
	}

	total := resp.Total
	if total == 0 {
		total = len(resp.Items)
	}
	return &source.Collection{
		Resource:  q.Resource,
		Items:     resp.Items,
		Total:     total,
		FetchedAt: time.Now(),
	}, nil
}
