package mfapi

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onenonlycasper/mediafire-fuse/internal/logging"
	"github.com/onenonlycasper/mediafire-fuse/internal/retry"
)

// Client is the signed HTTP client for the remote store. All calls are
// stateless request/response; the only mutable state is the session and the
// rotating call signature key.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.Mutex
	online    bool
	session   *Session
	secretNum uint64 // rotating per-call signature key
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		online:      true,
	}
}

// SetSession installs an authenticated session on the client.
func (c *Client) SetSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = s
	c.secretNum = 0
	if s != nil {
		if n, err := strconv.ParseUint(s.SecretKey, 10, 64); err == nil {
			c.secretNum = n
		}
	}
}

// Session returns the current session, or nil.
func (c *Client) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// IsOnline returns true if the last remote call succeeded at transport level.
func (c *Client) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("remote store is back online")
		} else {
			logging.Warn("remote store is offline")
		}
	}
	c.online = online
}

// signParams adds session_token and the per-call signature to params.
// The signature key rotates after every signed call:
// next = (key * 16807) mod 2147483647.
func (c *Client) signParams(uri string, params url.Values) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	params.Set("session_token", c.session.SessionToken)
	raw := strconv.FormatUint(c.secretNum%256, 10) + c.session.Time + uri + "?" + params.Encode()
	sum := md5.Sum([]byte(raw))
	params.Set("signature", hex.EncodeToString(sum[:]))
	c.secretNum = c.secretNum * 16807 % 2147483647
}

// call performs one signed API request and decodes the response envelope.
// Transport errors and 5xx responses are marked retryable; an error result
// inside a 200 envelope is a firm remote-side failure.
func (c *Client) call(ctx context.Context, uri string, params url.Values, body io.Reader, size int64) (*envelope, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (*envelope, error) {
		// A retried attempt must resend the body from the start.
		if seeker, ok := body.(io.Seeker); ok {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
		}

		p := url.Values{}
		for k, v := range params {
			p[k] = v
		}
		p.Set("response_format", "json")
		c.signParams(uri, p)

		var req *http.Request
		var err error
		if body != nil {
			req, err = http.NewRequestWithContext(ctx, "POST", c.baseURL+uri+"?"+p.Encode(), body)
			if err != nil {
				return nil, err
			}
			req.ContentLength = size
			req.Header.Set("Content-Type", "application/octet-stream")
		} else {
			req, err = http.NewRequestWithContext(ctx, "POST", c.baseURL+uri, strings.NewReader(p.Encode()))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			c.setOnline(false)
			return nil, retry.Retryable(fmt.Errorf("server error: %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			c.setOnline(false)
			return nil, fmt.Errorf("%s returned %d", uri, resp.StatusCode)
		}

		c.setOnline(true)

		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", uri, err)
		}
		if env.Response.Result == "Error" {
			return nil, &APIError{Code: env.Response.Error, Message: env.Response.Message}
		}
		return &env, nil
	})
}

// FolderCreate creates a folder under parentKey and returns the new folder key.
// An empty parentKey creates under the account root.
func (c *Client) FolderCreate(ctx context.Context, parentKey, name string) (string, error) {
	params := url.Values{}
	params.Set("foldername", name)
	if parentKey != RootFolderKey {
		params.Set("parent_key", parentKey)
	}

	env, err := c.call(ctx, "/folder/create.php", params, nil, 0)
	if err != nil {
		return "", err
	}
	if env.Response.FolderKey == "" {
		return "", fmt.Errorf("folder/create returned no key")
	}
	return env.Response.FolderKey, nil
}

// FolderDelete deletes the folder with the given key.
func (c *Client) FolderDelete(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("folder_key", key)
	_, err := c.call(ctx, "/folder/delete.php", params, nil, 0)
	return err
}

// FileDelete deletes the file with the given quickkey.
func (c *Client) FileDelete(ctx context.Context, quickkey string) error {
	params := url.Values{}
	params.Set("quick_key", quickkey)
	_, err := c.call(ctx, "/file/delete.php", params, nil, 0)
	return err
}

// UploadSimple uploads a complete new file into the folder with folderKey and
// returns the upload tracking key for poll_upload.
func (c *Client) UploadSimple(ctx context.Context, folderKey, name string, content io.Reader, size int64) (string, error) {
	params := url.Values{}
	params.Set("filename", name)
	if folderKey != RootFolderKey {
		params.Set("folder_key", folderKey)
	}

	env, err := c.call(ctx, "/upload/simple.php", params, content, size)
	if err != nil {
		return "", err
	}
	if env.Response.Doupload.Key == "" {
		return "", fmt.Errorf("upload/simple returned no upload key")
	}
	return env.Response.Doupload.Key, nil
}

// UploadPollStatus queries the state of a pending upload. The returned status
// is terminal at StatusUploadComplete; fileError is nonzero when the remote
// rejected the file.
func (c *Client) UploadPollStatus(ctx context.Context, uploadKey string) (status, fileError int, err error) {
	params := url.Values{}
	params.Set("key", uploadKey)

	env, err := c.call(ctx, "/upload/poll_upload.php", params, nil, 0)
	if err != nil {
		return 0, 0, err
	}

	status, err = strconv.Atoi(env.Response.Doupload.Status)
	if err != nil {
		return 0, 0, fmt.Errorf("poll_upload status %q: %w", env.Response.Doupload.Status, err)
	}
	if fe := env.Response.Doupload.FileError; fe != "" {
		fileError, _ = strconv.Atoi(fe)
	}
	return status, fileError, nil
}

// UploadPatch uploads a binary patch against the current remote content of
// the file with the given quickkey.
func (c *Client) UploadPatch(ctx context.Context, quickkey string, patch io.Reader, size int64, targetHash string, targetSize int64) error {
	params := url.Values{}
	params.Set("quick_key", quickkey)
	params.Set("target_hash", targetHash)
	params.Set("target_size", strconv.FormatInt(targetSize, 10))

	_, err := c.call(ctx, "/upload/patch.php", params, patch, size)
	return err
}

// FetchHierarchy fetches the folder/file listing. sinceRevision 0 requests
// the full hierarchy; a nonzero cursor requests changes after that revision.
func (c *Client) FetchHierarchy(ctx context.Context, sinceRevision uint64) (*Hierarchy, error) {
	params := url.Values{}
	params.Set("revision", strconv.FormatUint(sinceRevision, 10))

	env, err := c.call(ctx, "/device/get_changes.php", params, nil, 0)
	if err != nil {
		return nil, err
	}
	return &Hierarchy{
		Revision: env.Response.Revision,
		Folders:  env.Response.Folders,
		Files:    env.Response.Files,
		Deleted:  env.Response.Deleted,
	}, nil
}

// Download fetches the full content of the file with the given quickkey. The
// caller owns the returned reader.
func (c *Client) Download(ctx context.Context, quickkey string) (io.ReadCloser, int64, error) {
	params := url.Values{}
	params.Set("quick_key", quickkey)
	params.Set("link_type", "direct_download")

	env, err := c.call(ctx, "/file/get_links.php", params, nil, 0)
	if err != nil {
		return nil, 0, err
	}
	if len(env.Response.Links) == 0 || env.Response.Links[0].DirectDownload == "" {
		return nil, 0, fmt.Errorf("file/get_links returned no direct link for %s", quickkey)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", env.Response.Links[0].DirectDownload, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, 0, retry.Retryable(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("content download returned %d", resp.StatusCode)
	}
	return resp.Body, resp.ContentLength, nil
}
