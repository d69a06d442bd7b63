package coordinator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var daemonClient = &http.Client{Timeout: 30 * time.Second}

// callDaemon sends one JSON request to the daemon named by --connect,
// authenticated with --token when set, and decodes the response into out.
func callDaemon(c *cli.Context, method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return errors.Wrap(err, "encoding request")
		}
	}

	req, err := http.NewRequestWithContext(c.Context, method, c.String(connectFlag.Name)+path, &buf)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	if token := c.String(tokenFlag.Name); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := daemonClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "calling daemon")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil {
			return errors.Errorf("daemon returned %s", resp.Status)
		}
		return errors.Errorf("%s: %s", apiErr.Error, apiErr.Message)
	}

	if out == nil {
		return nil
	}
	return errors.Wrap(json.NewDecoder(resp.Body).Decode(out), "decoding response")
}
