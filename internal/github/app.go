// Package github issues short-lived installation tokens for GitHub App
// authenticated clones.
package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const (
	defaultAPIURL  = "https://api.github.com"
	defaultTimeout = 10 * time.Second
	jwtBackdate    = 60 * time.Second
	jwtTTL         = 10 * time.Minute
)

// ErrNotConfigured indicates a job needs an installation token but no app
// credentials were provided.
var ErrNotConfigured = errors.New("github app not configured")

// App signs GitHub App JWTs and exchanges them for installation tokens.
type App struct {
	appID  string
	key    *rsa.PrivateKey
	apiURL string
	client *http.Client
	now    func() time.Time
}

// NewApp loads the PEM private key at keyPath.
func NewApp(appID, keyPath, apiURL string, client *http.Client) (*App, error) {
	if strings.TrimSpace(appID) == "" || strings.TrimSpace(keyPath) == "" {
		return nil, ErrNotConfigured
	}
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read github app key: %w", err)
	}
	key, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return newApp(appID, key, apiURL, client), nil
}

func newApp(appID string, key *rsa.PrivateKey, apiURL string, client *http.Client) *App {
	apiURL = strings.TrimRight(strings.TrimSpace(apiURL), "/")
	if apiURL == "" {
		apiURL = defaultAPIURL
	}
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &App{appID: appID, key: key, apiURL: apiURL, client: client, now: time.Now}
}

// ParsePrivateKey accepts PKCS#1 or PKCS#8 RSA keys in PEM form.
func ParsePrivateKey(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("github app key: no PEM block")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("github app key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("github app key: not an RSA key")
	}
	return key, nil
}

// AppJWT signs the app's identity token. GitHub rejects iat in the future, so
// it is backdated a minute.
func (a *App) AppJWT() (string, error) {
	now := a.now()
	claims := jwtlib.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwtlib.NewNumericDate(now.Add(-jwtBackdate)),
		ExpiresAt: jwtlib.NewNumericDate(now.Add(jwtTTL)),
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, claims)
	return token.SignedString(a.key)
}

// InstallationToken exchanges the app JWT for an installation access token.
func (a *App) InstallationToken(ctx context.Context, installationID string) (string, error) {
	if strings.TrimSpace(installationID) == "" {
		return "", errors.New("installation id required")
	}
	appJWT, err := a.AppJWT()
	if err != nil {
		return "", fmt.Errorf("sign github app jwt: %w", err)
	}
	endpoint := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.apiURL, url.PathEscape(installationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("github token request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("github token request: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode github token: %w", err)
	}
	if result.Token == "" {
		return "", errors.New("github token response missing token")
	}
	return result.Token, nil
}

// CloneURL embeds an installation token into an https repository URL.
func CloneURL(repoURL, token string) (string, error) {
	if token == "" {
		return repoURL, nil
	}
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("invalid repository url: %w", err)
	}
	if parsed.Scheme != "https" || parsed.Host == "" {
		return "", errors.New("token authentication requires an https repository url")
	}
	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}

// Scrub removes token from s.
func Scrub(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
