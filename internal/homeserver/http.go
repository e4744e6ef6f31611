package homeserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/bel-os/keysafe/internal/keybackup"
)

const roomKeysPath = "/_matrix/client/v3/room_keys"

// HTTPClient talks to a real homeserver. It implements
// keybackup.HomeserverClient.
type HTTPClient struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	log         zerolog.Logger
}

// NewHTTPClient builds a client for the homeserver at baseURL, authenticated
// with accessToken.
func NewHTTPClient(baseURL, accessToken string, log zerolog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		log: log.With().Str("component", "homeserver").Logger(),
	}
}

// TokenExpiry inspects the access token without verifying it and returns its
// expiry time, if the homeserver issues JWT-shaped tokens. Opaque tokens
// yield (zero, false); callers use this only to warn before re-login is
// needed.
func (c *HTTPClient) TokenExpiry() (time.Time, bool) {
	token, _, err := jwt.NewParser().ParseUnverified(c.accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	expiry, err := token.Claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to homeserver failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read homeserver response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseAPIError(resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("invalid homeserver response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) CreateVersion(ctx context.Context, version *keybackup.BackupVersion) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	err := c.do(ctx, http.MethodPost, roomKeysPath+"/version", nil, version, &resp)
	if err != nil {
		return "", err
	}
	c.log.Info().Str("version", resp.Version).Msg("created backup version")
	return resp.Version, nil
}

func (c *HTTPClient) GetVersion(ctx context.Context, version string) (*keybackup.BackupVersion, error) {
	var resp keybackup.BackupVersion
	err := c.do(ctx, http.MethodGet, roomKeysPath+"/version/"+url.PathEscape(version), nil, nil, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) GetLatestVersion(ctx context.Context) (*keybackup.BackupVersion, error) {
	var resp keybackup.BackupVersion
	err := c.do(ctx, http.MethodGet, roomKeysPath+"/version", nil, nil, &resp)
	if err != nil {
		// No backup at all is a normal condition, not an error.
		if apiErr, ok := err.(*APIError); ok && apiErr.Code == ErrCodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) UpdateVersion(ctx context.Context, version string, body *keybackup.BackupVersion) error {
	return c.do(ctx, http.MethodPut, roomKeysPath+"/version/"+url.PathEscape(version), nil, body, nil)
}

func (c *HTTPClient) DeleteVersion(ctx context.Context, version string) error {
	return c.do(ctx, http.MethodDelete, roomKeysPath+"/version/"+url.PathEscape(version), nil, nil, nil)
}

func (c *HTTPClient) UploadKeys(ctx context.Context, version string, keys *keybackup.KeysBackupData) error {
	query := url.Values{"version": {version}}
	return c.do(ctx, http.MethodPut, roomKeysPath+"/keys", query, keys, nil)
}

func (c *HTTPClient) GetKeys(ctx context.Context, version, roomID, sessionID string) (*keybackup.KeysBackupData, error) {
	query := url.Values{"version": {version}}

	switch {
	case roomID != "" && sessionID != "":
		var record keybackup.KeyBackupData
		path := roomKeysPath + "/keys/" + url.PathEscape(roomID) + "/" + url.PathEscape(sessionID)
		if err := c.do(ctx, http.MethodGet, path, query, nil, &record); err != nil {
			return nil, err
		}
		return &keybackup.KeysBackupData{
			Rooms: map[string]keybackup.RoomKeysBackupData{
				roomID: {Sessions: map[string]keybackup.KeyBackupData{sessionID: record}},
			},
		}, nil
	case roomID != "":
		var room keybackup.RoomKeysBackupData
		path := roomKeysPath + "/keys/" + url.PathEscape(roomID)
		if err := c.do(ctx, http.MethodGet, path, query, nil, &room); err != nil {
			return nil, err
		}
		return &keybackup.KeysBackupData{
			Rooms: map[string]keybackup.RoomKeysBackupData{roomID: room},
		}, nil
	default:
		var keys keybackup.KeysBackupData
		if err := c.do(ctx, http.MethodGet, roomKeysPath+"/keys", query, nil, &keys); err != nil {
			return nil, err
		}
		return &keys, nil
	}
}
