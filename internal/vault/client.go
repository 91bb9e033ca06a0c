// Package vault is the client for the external secret store custodying
// server private keys. The store is a token-authenticated HTTP key-value
// service with one path per key handle; private key material never touches
// the application's own database.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	tokenHeader = "X-Vault-Token"
	basePath    = "/v1/secret/device-keys"

	maxRetries = 3
)

var ErrSecretNotFound = errors.New("secret not found")

// transientError marks responses worth retrying (network failures, 5xx).
type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

type secretPayload struct {
	PrivateKeyPEM string `json:"private_key_pem"`
}

// StoreKey writes the PEM private key under the handle. Must succeed before
// the corresponding metadata record is marked ACTIVE.
func (c *Client) StoreKey(ctx context.Context, keyHandle, privateKeyPEM string) error {
	body, err := json.Marshal(secretPayload{PrivateKeyPEM: privateKeyPEM})
	if err != nil {
		return errors.Wrap(err, "vault.StoreKey.Marshal")
	}
	_, err = c.do(ctx, http.MethodPut, c.secretURL(keyHandle), body)
	return errors.Wrap(err, "vault.StoreKey")
}

func (c *Client) FetchKey(ctx context.Context, keyHandle string) (string, error) {
	raw, err := c.do(ctx, http.MethodGet, c.secretURL(keyHandle), nil)
	if err != nil {
		return "", errors.Wrap(err, "vault.FetchKey")
	}
	var payload secretPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", errors.Wrap(err, "vault.FetchKey.Unmarshal")
	}
	return payload.PrivateKeyPEM, nil
}

// DeleteKey removes the custodied private key. Deleting an absent handle is
// not an error; revocation treats deletion as best-effort.
func (c *Client) DeleteKey(ctx context.Context, keyHandle string) error {
	_, err := c.do(ctx, http.MethodDelete, c.secretURL(keyHandle), nil)
	if errors.Is(err, ErrSecretNotFound) {
		return nil
	}
	return errors.Wrap(err, "vault.DeleteKey")
}

// ListHandles enumerates every stored handle, for reconciling orphans against
// the metadata store.
func (c *Client) ListHandles(ctx context.Context) ([]string, error) {
	raw, err := c.do(ctx, http.MethodGet, c.baseURL+basePath+"?list=true", nil)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "vault.ListHandles")
	}
	var payload struct {
		Keys []string `json:"keys"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, errors.Wrap(err, "vault.ListHandles.Unmarshal")
	}
	return payload.Keys, nil
}

func (c *Client) secretURL(keyHandle string) string {
	return c.baseURL + basePath + "/" + url.PathEscape(keyHandle)
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte) ([]byte, error) {
	var out []byte
	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set(tokenHeader, c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return &transientError{err}
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &transientError{err}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			out = data
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrSecretNotFound)
		case resp.StatusCode >= 500:
			return &transientError{fmt.Errorf("secret store returned %d", resp.StatusCode)}
		default:
			return backoff.Permanent(fmt.Errorf("secret store returned %d", resp.StatusCode))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return out, nil
}
