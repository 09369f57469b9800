package mfapi

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
)

// GetSessionToken authenticates with email/password and installs the
// resulting session on the client. appID and apiKey identify this client
// application to the remote store.
func (c *Client) GetSessionToken(ctx context.Context, email, password, appID, apiKey string) (*Session, error) {
	sum := sha1.Sum([]byte(email + password + appID + apiKey))

	params := url.Values{}
	params.Set("email", email)
	params.Set("password", password)
	params.Set("application_id", appID)
	params.Set("signature", hex.EncodeToString(sum[:]))
	params.Set("token_version", "2")

	env, err := c.call(ctx, "/user/get_session_token.php", params, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("get session token: %w", err)
	}
	if env.Response.SessionToken == "" {
		return nil, fmt.Errorf("get session token: empty token in response")
	}

	s := &Session{
		Email:        email,
		SessionToken: env.Response.SessionToken,
		SecretKey:    env.Response.SecretKey,
		Time:         env.Response.Time,
	}
	c.SetSession(s)
	return s, nil
}

// SaveSession writes a session to path with owner-only permissions.
func SaveSession(path string, s *Session) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// LoadSession reads a previously saved session from path.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session file %s: %w", path, err)
	}
	return &s, nil
}

// DeleteSession removes a saved session file.
func DeleteSession(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
