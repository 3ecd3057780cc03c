package drive

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the drive gateway, an HTTP facade over the storage
// provider's account, project and file APIs.
type Client struct {
	baseURL string
	token   string
}

// NewClient creates a gateway client
func NewClient(baseURL, token string) *Client {
	return &Client{baseURL: baseURL, token: token}
}

func (c *Client) newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// doRequest performs a generic HTTP request to the gateway with the
// X-Gateway-Token header set, reads the response body, and returns it along
// with the HTTP status code.
func (c *Client) doRequest(method, path string, body io.Reader, contentType string, timeout time.Duration) (int, []byte, error) {
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Gateway-Token", c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := c.newHTTPClient(timeout)
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// doJSON performs a JSON request and decodes a JSON response into dest
func (c *Client) doJSON(method, path string, payload, dest interface{}, timeout time.Duration) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	status, respBody, err := c.doRequest(method, path, body, "application/json", timeout)
	if err != nil {
		return err
	}
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: gateway returned status %d", ErrUnavailable, status)
	}
	if status == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrAccountLimit, string(respBody))
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("gateway returned status %d: %s", status, string(respBody))
	}
	if dest != nil {
		if err := json.Unmarshal(respBody, dest); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}

type accountResponse struct {
	ServiceID  string `json:"service_id"`
	Credential string `json:"credential"` // base64 key material
	Ready      bool   `json:"ready"`
}

// CreateAccount creates a new storage account inside the given project
func (c *Client) CreateAccount(projectID string) (*Account, error) {
	var resp accountResponse
	payload := map[string]string{"project_id": projectID}
	if err := c.doJSON("POST", "/api/v1/accounts", payload, &resp, 2*time.Minute); err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Credential)
	if err != nil {
		return nil, fmt.Errorf("gateway returned malformed credential: %v", err)
	}
	return &Account{ServiceID: resp.ServiceID, RawCredential: raw, Ready: resp.Ready}, nil
}

// DeleteAccount tears down a storage account
func (c *Client) DeleteAccount(serviceID string) error {
	return c.doJSON("DELETE", "/api/v1/accounts/"+url.PathEscape(serviceID), nil, nil, 2*time.Minute)
}

// AccountReady reports whether a freshly created account can serve requests
func (c *Client) AccountReady(serviceID string) (bool, error) {
	var resp struct {
		Ready bool `json:"ready"`
	}
	if err := c.doJSON("GET", "/api/v1/accounts/"+url.PathEscape(serviceID)+"/status", nil, &resp, 30*time.Second); err != nil {
		return false, err
	}
	return resp.Ready, nil
}

// GetQuota fetches the provider-reported quota for the account credential
func (c *Client) GetQuota(credential []byte) (*Quota, error) {
	var quota Quota
	payload := map[string]string{"credential": base64.StdEncoding.EncodeToString(credential)}
	if err := c.doJSON("POST", "/api/v1/quota", payload, &quota, 30*time.Second); err != nil {
		return nil, err
	}
	return &quota, nil
}

type createFileResponse struct {
	FileID string `json:"file_id"`
}

// CreateFile streams an object to the account's drive and returns the
// provider-assigned file id. The progress callback receives the cumulative
// byte count handed to the gateway.
func (c *Client) CreateFile(credential []byte, meta FileMetadata, content io.Reader, progress func(sent int64)) (string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}

	body := content
	if progress != nil {
		body = &progressReader{r: content, fn: progress}
	}

	req, err := http.NewRequest("POST", c.baseURL+"/api/v1/files", body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Gateway-Token", c.token)
	req.Header.Set("X-Account-Credential", base64.StdEncoding.EncodeToString(credential))
	req.Header.Set("X-File-Metadata", string(metaJSON))
	req.Header.Set("Content-Type", "application/octet-stream")
	if meta.Size > 0 {
		req.ContentLength = meta.Size
	}

	// Large uploads need a generous timeout
	client := c.newHTTPClient(30 * time.Minute)
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("file upload failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var fileResp createFileResponse
	if err := json.Unmarshal(respBody, &fileResp); err != nil {
		return "", fmt.Errorf("failed to decode upload response: %w", err)
	}
	return fileResp.FileID, nil
}

// DeleteFile removes an object from the account's drive
func (c *Client) DeleteFile(credential []byte, fileID string) error {
	payload := map[string]string{"credential": base64.StdEncoding.EncodeToString(credential)}
	return c.doJSON("DELETE", "/api/v1/files/"+url.PathEscape(fileID), payload, nil, 2*time.Minute)
}

// ListFiles lists objects on the account's drive matching the query
func (c *Client) ListFiles(credential []byte, query string) ([]File, error) {
	var resp struct {
		Files []File `json:"files"`
	}
	payload := map[string]string{
		"credential": base64.StdEncoding.EncodeToString(credential),
		"query":      query,
	}
	if err := c.doJSON("POST", "/api/v1/files/list", payload, &resp, 2*time.Minute); err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// GrantPermission grants a role on a file to a principal ("anyone" for public)
func (c *Client) GrantPermission(credential []byte, fileID, role, principal string) error {
	payload := map[string]string{
		"credential": base64.StdEncoding.EncodeToString(credential),
		"role":       role,
		"principal":  principal,
	}
	return c.doJSON("POST", "/api/v1/files/"+url.PathEscape(fileID)+"/permissions", payload, nil, 30*time.Second)
}

// CreateProject creates a new parent project and returns its provider id
func (c *Client) CreateProject(name string) (string, error) {
	var resp struct {
		ProjectID string `json:"project_id"`
	}
	payload := map[string]string{"name": name}
	if err := c.doJSON("POST", "/api/v1/projects", payload, &resp, 2*time.Minute); err != nil {
		return "", err
	}
	return resp.ProjectID, nil
}

// EnableAPI enables a provider API on the project
func (c *Client) EnableAPI(projectID, apiName string) error {
	payload := map[string]string{"api": apiName}
	return c.doJSON("POST", "/api/v1/projects/"+url.PathEscape(projectID)+"/apis", payload, nil, 2*time.Minute)
}

// GetAccountLimit returns the provider's per-project account ceiling
func (c *Client) GetAccountLimit(projectID string) (int, error) {
	var resp struct {
		Limit int `json:"limit"`
	}
	if err := c.doJSON("GET", "/api/v1/projects/"+url.PathEscape(projectID)+"/account-limit", nil, &resp, 30*time.Second); err != nil {
		return 0, err
	}
	return resp.Limit, nil
}

// CountAccounts returns how many accounts already exist in the project
func (c *Client) CountAccounts(projectID string) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	if err := c.doJSON("GET", "/api/v1/projects/"+url.PathEscape(projectID)+"/accounts/count", nil, &resp, 30*time.Second); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// progressReader reports cumulative bytes read through it
type progressReader struct {
	r    io.Reader
	sent int64
	fn   func(sent int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent)
	}
	return n, err
}
