package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/xmidt-org/talaria/sensorlink"
)

// HTTP keeps definitions in a remote configuration service:
// GET and PUT <base>/definitions/<identifier> with a JSON body.
type HTTP struct {
	BaseURL string
	Auth    sensorlink.AuthStrategy
	HTTP    *http.Client
}

func NewHTTP(baseURL string, auth sensorlink.AuthStrategy, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{BaseURL: trimRightSlash(baseURL), Auth: auth, HTTP: &http.Client{Timeout: timeout}}
}

func trimRightSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (c *HTTP) Load(ctx context.Context, identifier string) (sensorlink.Definition, error) {
	var def sensorlink.Definition
	if err := c.do(ctx, http.MethodGet, identifier, nil, &def); err != nil {
		return sensorlink.Definition{}, err
	}
	return def, nil
}

func (c *HTTP) Save(ctx context.Context, identifier string, def sensorlink.Definition) error {
	body, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, identifier, body, nil)
}

func (c *HTTP) Close() error { return nil }

// do performs one request and maps the status onto sensorlink errors.
func (c *HTTP) do(ctx context.Context, method, identifier string, body []byte, out interface{}) error {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/definitions/"+url.PathEscape(identifier), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Auth != nil {
		if v, e := c.Auth.AuthorizationValue(); e == nil && v != "" {
			req.Header.Set("Authorization", v)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		if out != nil {
			if err := json.Unmarshal(b, out); err != nil {
				return fmt.Errorf("decode: %w", err)
			}
		}
		return nil
	case http.StatusNotFound:
		return notFound(identifier)
	default:
		return errors.New(resp.Status)
	}
}
