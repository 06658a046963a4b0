// Package registry obtains device identities and their master keys.
package registry

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

// KeySize is the length of keys minted by Local.
const KeySize = 32

// Device is a registered device and its master key.
type Device struct {
	ID   string
	Name string
	Key  []byte
}

// Registrar registers new devices.
type Registrar interface {
	Register(ctx context.Context, name string) (*Device, error)
}

// Client registers devices with a remote device-management service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type createRequest struct {
	CustomerName string `json:"customer_name"`
}

type createResponse struct {
	DeviceID     string `json:"device_id"`
	Key          string `json:"key"`
	CustomerName string `json:"customer_name"`
}

// Register creates a device. The service returns the key base64 encoded.
func (c *Client) Register(ctx context.Context, name string) (*Device, error) {
	endpoint := c.baseURL + "/create_device"
	slog.Info("register_device_start", "endpoint", endpoint, "name", name)

	body, err := json.Marshal(createRequest{CustomerName: name})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Mark(errors.ErrInvalid, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Error("register_device_failed", "endpoint", endpoint, "error", err)
		return nil, errors.Mark(errors.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		slog.Error("register_device_rejected", "endpoint", endpoint, "status", resp.StatusCode)
		return nil, &errors.StatusError{Code: resp.StatusCode, URL: endpoint}
	}

	var out createResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: registration response: %w", errors.ErrInvalid, err)
	}
	if out.DeviceID == "" {
		return nil, fmt.Errorf("%w: registration response has no device_id", errors.ErrInvalid)
	}
	key, err := base64.StdEncoding.DecodeString(out.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: device key is not base64: %w", errors.ErrInvalid, err)
	}

	slog.Info("register_device_complete", "device_id", out.DeviceID, "key_bytes", len(key))
	return &Device{ID: out.DeviceID, Name: name, Key: key}, nil
}

// Local mints device IDs and random keys without a remote service.
type Local struct {
	rand io.Reader
}

// NewLocal creates a Local registrar reading key bytes from crypto/rand.
func NewLocal() *Local {
	return &Local{rand: rand.Reader}
}

// Register returns a new random identity.
func (l *Local) Register(ctx context.Context, name string) (*Device, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(l.rand, key); err != nil {
		return nil, errors.Wrap(err, "failed to generate device key")
	}

	id := uuid.New().String()
	slog.Info("register_device_local", "device_id", id, "name", name)
	return &Device{ID: id, Name: name, Key: key}, nil
}
