package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	githubTokenURL = "https://github.com/login/oauth/access_token"
	githubUserURL  = "https://api.github.com/user"
	githubEmailURL = "https://api.github.com/user/emails"
)

// GitHubExchanger implements OAuthExchanger against GitHub's OAuth API.
type GitHubExchanger struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

func NewGitHubExchanger(clientID, clientSecret string) *GitHubExchanger {
	return &GitHubExchanger{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (g *GitHubExchanger) Exchange(ctx context.Context, code string) (Identity, error) {
	accessToken, err := g.fetchAccessToken(ctx, code)
	if err != nil {
		return Identity{}, err
	}

	var profile struct {
		Login string `json:"login"`
		Name  string `json:"name"`
	}
	if err := g.getJSON(ctx, githubUserURL, accessToken, &profile); err != nil {
		return Identity{}, fmt.Errorf("fetch user profile: %w", err)
	}

	var emails []struct {
		Email   string `json:"email"`
		Primary bool   `json:"primary"`
	}
	if err := g.getJSON(ctx, githubEmailURL, accessToken, &emails); err != nil {
		return Identity{}, fmt.Errorf("fetch user emails: %w", err)
	}

	email := ""
	for _, e := range emails {
		if e.Primary {
			email = e.Email
			break
		}
	}
	if email == "" && len(emails) > 0 {
		email = emails[0].Email
	}

	return Identity{
		UserName: profile.Login,
		FullName: profile.Name,
		Email:    email,
	}, nil
}

func (g *GitHubExchanger) fetchAccessToken(ctx context.Context, code string) (string, error) {
	form := url.Values{
		"client_id":     {g.ClientID},
		"client_secret": {g.ClientSecret},
		"code":          {code},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, githubTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange returned status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("no access token in response")
	}
	return body.AccessToken, nil
}

func (g *GitHubExchanger) getJSON(ctx context.Context, endpoint, accessToken string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d from %s", resp.StatusCode, endpoint)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
