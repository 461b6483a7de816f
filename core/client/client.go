/*
Package client provides easy and fast in-process access to a REST api

Instead of marshalling HTTP, the client talks directly to the mux router. The client
is the tool of choice if one request handler needs to call other handlers to fulfill
its task. It is also perfectly suited for unit tests.
*/
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gorilla/mux"

	"github.com/petrodata/petrodb/core/access"
)

// Client provides easy access to the REST API.
type Client struct {
	router     *mux.Router
	httpClient *http.Client
	url        string
	token      string
	principal  *access.Principal
	ctx        context.Context

	defaultHeaders map[string]string
}

// NewWithRouter creates a client to make pseudo-REST requests to the
// backend, through the mux router.
//
// WithPrincipal() adds a principal to the request context.
// WithContext() specifies a different base context all together.
func NewWithRouter(router *mux.Router) Client {
	return Client{
		router:         router,
		defaultHeaders: map[string]string{},
	}
}

// NewWithURL creates a client to make REST requests to the backend
//
// WithToken adds an authorization token to the request header.
func NewWithURL(url string) Client {
	return Client{
		url:            url,
		httpClient:     &http.Client{Timeout: 20 * time.Second},
		defaultHeaders: map[string]string{},
	}
}

// WithHeader returns a new client with a default header added
func (c Client) WithHeader(key string, value string) Client {
	headers := map[string]string{key: value}
	for k, v := range c.defaultHeaders {
		headers[k] = v
	}
	c.defaultHeaders = headers
	return c
}

// WithToken returns a new client with a bearer token
func (c Client) WithToken(token string) Client {
	c.token = token
	return c
}

// WithAPIKey returns a new client passing the given api key
func (c Client) WithAPIKey(key string) Client {
	return c.WithHeader(access.APIKeyHeader, key)
}

// WithPrincipal returns a new client acting as the given principal
// (this works only directly against the mux router, for a normal client
// use WithToken() or WithAPIKey())
func (c Client) WithPrincipal(principal *access.Principal) Client {
	c.principal = principal
	return c
}

// WithContext returns a new client with specific request context
func (c Client) WithContext(ctx context.Context) Client {
	c.ctx = ctx
	return c
}

// Context returns the request context of this client.
func (c Client) Context() context.Context {
	ctx := c.ctx
	if c.ctx == nil {
		ctx = context.Background()
	}
	if c.principal != nil {
		ctx = c.principal.ContextWithPrincipal(ctx)
	}
	return ctx
}

func (c Client) do(method, path string, body []byte) (int, http.Header, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	r, _ := http.NewRequestWithContext(c.Context(), method, c.url+path, reader)
	for key, value := range c.defaultHeaders {
		r.Header.Add(key, value)
	}

	if c.router != nil {
		rec := httptest.NewRecorder()
		c.router.ServeHTTP(rec, r)
		res := rec.Result()
		return res.StatusCode, res.Header, rec.Body.Bytes(), nil
	}

	if c.token != "" {
		r.Header.Add("Authorization", "Bearer "+c.token)
	}
	res, err := c.httpClient.Do(r)
	if err != nil {
		return http.StatusInternalServerError, nil, nil, err
	}
	defer res.Body.Close()
	resBody, _ := io.ReadAll(res.Body)
	return res.StatusCode, res.Header, resBody, nil
}

func unmarshalResult(resBody []byte, result interface{}) error {
	if resBody == nil || result == nil {
		return nil
	}
	if raw, ok := result.(*[]byte); ok {
		*raw = resBody
		return nil
	}
	return json.Unmarshal(resBody, result)
}

func statusError(status, want int, resBody []byte) error {
	return fmt.Errorf("handler returned wrong status code: got %v want %v. Error: %s",
		status, want, strings.TrimSpace(string(resBody)))
}

// RawGet gets the resource from path. Expects http.StatusOK as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// The path can be extended with query strings.
//
// result can be map[string]interface{} or a raw *[]byte.
// result can be nil.
func (c Client) RawGet(path string, result interface{}) (int, error) {
	status, _, resBody, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, nil
	}
	if status != http.StatusOK {
		return status, statusError(status, http.StatusOK, resBody)
	}
	return status, unmarshalResult(resBody, result)
}

// RawGetWithHeader gets the resource from path like RawGet, and also
// returns the response header.
func (c Client) RawGetWithHeader(path string, header map[string]string, result interface{}) (int, http.Header, error) {
	client := c
	for key, value := range header {
		client = client.WithHeader(key, value)
	}
	status, resHeader, resBody, err := client.do(http.MethodGet, path, nil)
	if err != nil {
		return status, resHeader, err
	}
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return status, resHeader, nil
	}
	if status != http.StatusOK {
		return status, resHeader, statusError(status, http.StatusOK, resBody)
	}
	return status, resHeader, unmarshalResult(resBody, result)
}

// RawPost posts body to path. Expects http.StatusCreated as response, otherwise it will
// flag an error. Returns the actual http status code.
//
// body can be a struct or a map, result can be map[string]interface{} and both can be nil.
func (c Client) RawPost(path string, body interface{}, result interface{}) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(http.MethodPost, path, data)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return status, statusError(status, http.StatusCreated, resBody)
	}
	return status, unmarshalResult(resBody, result)
}

// RawPut puts body to path. Expects http.StatusOK or http.StatusNoContent as response,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawPut(path string, body interface{}, result interface{}) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return http.StatusBadRequest, err
	}
	status, _, resBody, err := c.do(http.MethodPut, path, data)
	if err != nil {
		return status, err
	}
	if status == http.StatusNoContent {
		return status, nil
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return status, statusError(status, http.StatusOK, resBody)
	}
	return status, unmarshalResult(resBody, result)
}

// RawPutBlob puts binary content to path. Expects http.StatusOK or
// http.StatusNoContent as response.
func (c Client) RawPutBlob(path string, contentType string, blob []byte) (int, error) {
	client := c.WithHeader("Content-Type", contentType)
	status, _, resBody, err := client.do(http.MethodPut, path, blob)
	if err != nil {
		return status, err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return status, statusError(status, http.StatusNoContent, resBody)
	}
	return status, nil
}

// RawGetBlob gets binary content from path. Expects http.StatusOK as
// response. Returns the content type and the content.
func (c Client) RawGetBlob(path string, blob *[]byte) (string, int, error) {
	status, header, resBody, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return "", status, err
	}
	if status != http.StatusOK {
		return "", status, statusError(status, http.StatusOK, resBody)
	}
	*blob = resBody
	return header.Get("Content-Type"), status, nil
}

// RawDelete deletes the resource at path. Expects http.StatusNoContent as response,
// otherwise it will flag an error. Returns the actual http status code.
func (c Client) RawDelete(path string) (int, error) {
	status, _, resBody, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return status, err
	}
	if status != http.StatusNoContent {
		return status, statusError(status, http.StatusNoContent, resBody)
	}
	return status, nil
}
