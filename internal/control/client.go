package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// RemoteError is returned by a Client method when the daemon itself
// rejected the request (a non-2xx HTTP response carrying a JSON error
// body), as opposed to a local/transport failure (socket unreachable,
// malformed response). Callers distinguish the two with errors.As -
// cmd/amctl uses it to pick between its remote-failure and
// internal-exception exit codes.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Client is the CLI-side counterpart to Server: it dials the daemon's unix
// socket and issues plain HTTP+JSON requests against it, matching the
// teacher's MuxClient.doRequest pattern exactly.
type Client struct {
	SocketPath string
	httpClient *http.Client
}

// NewClient builds a Client dialing socketPath on every request.
func NewClient(socketPath string) *Client {
	return &Client{
		SocketPath: socketPath,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return net.Dial("unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body, result any) error {
	var req *http.Request
	var err error

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		req, err = http.NewRequestWithContext(ctx, method, "http://unix"+path, strings.NewReader(string(raw)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, err = http.NewRequestWithContext(ctx, method, "http://unix"+path, nil)
		if err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return &RemoteError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &RemoteError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}

// Ping checks whether the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var resp map[string]string
	return c.doRequest(ctx, http.MethodGet, "/ping", nil, &resp)
}

// Shutdown asks the daemon to stop, then waits for its socket to disappear.
func (c *Client) Shutdown(ctx context.Context) error {
	var resp map[string]string
	if err := c.doRequest(ctx, http.MethodPost, "/shutdown", nil, &resp); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := os.Stat(c.SocketPath); err == nil {
		return fmt.Errorf("daemon may not have shut down cleanly")
	}
	return nil
}

// ListApplications returns the model view of every registered application.
func (c *Client) ListApplications(ctx context.Context) ([]ApplicationView, error) {
	var views []ApplicationView
	if err := c.doRequest(ctx, http.MethodGet, "/list", nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// ShowApplication returns the model view of a single application.
func (c *Client) ShowApplication(ctx context.Context, id string) (ApplicationView, error) {
	var view ApplicationView
	err := c.doRequest(ctx, http.MethodGet, "/show?id="+id, nil, &view)
	return view, err
}

// StartApplication starts id, optionally opening documentURL, optionally
// under a debug wrapper.
func (c *Client) StartApplication(ctx context.Context, id, documentURL, debugSpec string) error {
	var resp map[string]string
	return c.doRequest(ctx, http.MethodPost, "/start", startArgs{
		ApplicationID: id,
		DocumentURL:   documentURL,
		DebugSpec:     debugSpec,
	}, &resp)
}

// StopApplication stops id, killing it immediately when forceKill is set.
func (c *Client) StopApplication(ctx context.Context, id string, forceKill bool) error {
	var resp map[string]string
	return c.doRequest(ctx, http.MethodPost, "/stop", stopArgs{
		ApplicationID: id,
		ForceKill:     forceKill,
	}, &resp)
}

// InstallPackage uploads archivePath's path to the daemon for installation
// and blocks until the task finishes. When trusted is set, the daemon
// requires a valid store signature instead of accepting whatever its
// configured signature policy allows for ordinary installs.
func (c *Client) InstallPackage(ctx context.Context, archivePath string, trusted bool) (taskID, packageID string, err error) {
	var resp struct {
		TaskID    string `json:"taskId"`
		PackageID string `json:"packageId"`
	}
	if err := c.doRequest(ctx, http.MethodPost, "/install", installArgs{ArchivePath: archivePath, Trusted: trusted}, &resp); err != nil {
		return "", "", err
	}
	return resp.TaskID, resp.PackageID, nil
}
