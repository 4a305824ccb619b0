package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"hostaudit/core"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// rescanResponse covers every shape POST /api/live/rescan returns
type rescanResponse struct {
	OK            bool           `json:"ok"`
	JobID         string         `json:"job_id"`
	Status        core.JobStatus `json:"status"`
	Message       string         `json:"message,omitempty"`
	Ingested      int            `json:"ingested"`
	Failed        int            `json:"failed"`
	InsertedTotal int            `json:"inserted_total"`
	Unique        int            `json:"unique"`
	FailedCount   int            `json:"failed_count"`
	Error         string         `json:"error,omitempty"`
	Detail        string         `json:"detail,omitempty"`

	Job *core.Job `json:"job,omitempty"`
}

// rescanClient talks to a running server
type rescanClient struct {
	server string
	apiKey string
	http   *http.Client
}

func newRescanCmd() *cobra.Command {
	var (
		server     string
		apiKey     string
		collectors []string
		wait       bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "rescan",
		Short: "Ask a running server to run its collectors now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				apiKey = os.Getenv("HOSTAUDIT_API_KEY")
			}
			client := &rescanClient{
				server: strings.TrimRight(server, "/"),
				apiKey: apiKey,
				http:   &http.Client{Timeout: timeout},
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			var s *spinner.Spinner
			if wait && !outputJSON && !quiet {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Running collectors..."
				s.Start()
			}

			resp, err := client.rescan(ctx, collectors, wait)
			if err == nil && resp.OK && resp.JobID != "" && wait {
				// Job logs are best effort; the summary already answered the request.
				resp.Job, _ = client.job(ctx, resp.JobID)
			}

			if s != nil {
				s.Stop()
			}
			if err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(resp)
			}
			renderRescanResult(resp)
			if resp.Status == core.JobStatusError {
				return fmt.Errorf("job %s finished with errors", resp.JobID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8090", "Base URL of the hostaudit server")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key (default: $HOSTAUDIT_API_KEY)")
	cmd.Flags().StringSliceVar(&collectors, "collectors", nil, "Collector names to run (default: all)")
	cmd.Flags().BoolVar(&wait, "wait", true, "Wait for the job to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Request timeout")
	return cmd
}

func (c *rescanClient) rescan(ctx context.Context, collectors []string, wait bool) (*rescanResponse, error) {
	body, err := json.Marshal(map[string]interface{}{"collectors": collectors, "wait": wait})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/api/live/rescan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out rescanResponse
	status, err := c.do(req, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError(status, out.Error, out.Detail)
	}
	return &out, nil
}

func (c *rescanClient) job(ctx context.Context, id string) (*core.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.server+"/api/live/jobs/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		core.Job
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	status, err := c.do(req, &out)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, apiError(status, out.Error, out.Detail)
	}
	return &out.Job, nil
}

// do sends req with the API key and decodes the JSON body into out.
func (c *rescanClient) do(req *http.Request, out interface{}) (int, error) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request to %s failed: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return resp.StatusCode, fmt.Errorf("unexpected response (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return resp.StatusCode, nil
}

func apiError(status int, code, detail string) error {
	if code == "" {
		code = http.StatusText(status)
	}
	if detail != "" {
		return fmt.Errorf("server returned %d %s: %s", status, code, detail)
	}
	return fmt.Errorf("server returned %d %s", status, code)
}
