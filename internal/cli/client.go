package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// HTTP client commands
// ============================================================================

type clientFlags struct {
	server  string
	token   string
	timeout time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.server, "server", "http://localhost:8080", "gateway HTTP address")
	cmd.Flags().StringVar(&f.token, "token", "", "caller token")
	cmd.Flags().DurationVar(&f.timeout, "http-timeout", 60*time.Second, "request timeout")
}

// apiClient 對 gateway HTTP API 的薄封裝；回應原樣輸出
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (f *clientFlags) client() *apiClient {
	return &apiClient{
		base:  strings.TrimSuffix(f.server, "/"),
		token: f.token,
		http:  &http.Client{Timeout: f.timeout},
	}
}

// apiError 非 2xx 回應
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.Status, strings.TrimSpace(e.Body))
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out io.Writer) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		// 失敗的同步任務也帶完整結果
		printJSON(out, data)
		return &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	printJSON(out, data)
	return nil
}

func printJSON(w io.Writer, data []byte) {
	if len(data) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		w.Write(data)
		fmt.Fprintln(w)
		return
	}
	buf.WriteByte('\n')
	buf.WriteTo(w)
}

func buildSubmitCommand() *cobra.Command {
	var cf clientFlags
	var (
		operation   string
		key         string
		channel     string
		participant string
		payload     string
		sync        bool
		timeout     time.Duration
		reset       bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job to the gateway",
		Example: `  aigc-gateway submit --token t1 --operation asr --key file-42
  aigc-gateway submit --token t1 --operation text_generation --channel room1 \
      --payload '{"query":"hello"}' --sync`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"operation":    operation,
				"resource_key": key,
				"channel":      channel,
				"participant":  participant,
				"reset":        reset,
			}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("--payload is not valid JSON")
				}
				body["payload"] = json.RawMessage(payload)
			}
			if sync {
				body["mode"] = "sync"
				body["timeout_ms"] = timeout.Milliseconds()
			}
			return cf.client().do(cmd.Context(), http.MethodPost, "/v1/jobs", body, cmd.OutOrStdout())
		},
	}

	cf.register(cmd)
	cmd.Flags().StringVarP(&operation, "operation", "o", "", "job kind, e.g. asr or text_generation")
	cmd.Flags().StringVarP(&key, "key", "k", "", "resource key (file code or knowledge base)")
	cmd.Flags().StringVar(&channel, "channel", "", "channel code for conversation jobs")
	cmd.Flags().StringVar(&participant, "participant", "", "participant name")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().BoolVar(&sync, "sync", false, "wait for the result")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "sync wait limit")
	cmd.Flags().BoolVar(&reset, "reset", false, "interrupt the unfinished job on the key first")
	cmd.MarkFlagRequired("operation")
	return cmd
}

func buildPollCommand() *cobra.Command {
	var cf clientFlags
	var consume bool

	cmd := &cobra.Command{
		Use:   "poll <key>",
		Short: "Show the future for a resource key or channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/jobs/" + url.PathEscape(args[0])
			method := http.MethodGet
			if consume {
				path += "/consume"
				method = http.MethodPost
			}
			return cf.client().do(cmd.Context(), method, path, nil, cmd.OutOrStdout())
		},
	}
	cf.register(cmd)
	cmd.Flags().BoolVar(&consume, "consume", false, "remove the future once it is terminal")
	return cmd
}

func buildStopCommand() *cobra.Command {
	var cf clientFlags

	cmd := &cobra.Command{
		Use:   "stop <channel>",
		Short: "Stop the generation running on a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/v1/channels/" + url.PathEscape(args[0]) + "/stop"
			return cf.client().do(cmd.Context(), http.MethodPost, path, nil, cmd.OutOrStdout())
		},
	}
	cf.register(cmd)
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var cf clientFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "Display future counts, channel occupancy and connected units",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cf.client().do(cmd.Context(), http.MethodGet, "/v1/status", nil, cmd.OutOrStdout())
		},
	}
	cf.register(cmd)
	return cmd
}
