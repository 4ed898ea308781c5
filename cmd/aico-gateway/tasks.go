package main

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aico-ai/gateway/pkg/session"
	"github.com/aico-ai/gateway/pkg/types"
)

var gatewayAddr string

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and trigger scheduled tasks on a running gateway",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Tasks []types.ScheduledTask `json:"tasks"`
			Count int                   `json:"count"`
		}
		if err := newGatewayClient().get("/api/v1/scheduler/tasks", &resp); err != nil {
			return err
		}

		if resp.Count == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}
		fmt.Printf("%-35s %-30s %-15s %s\n", "TASK", "CLASS", "SCHEDULE", "ENABLED")
		for _, task := range resp.Tasks {
			fmt.Printf("%-35s %-30s %-15s %v\n", task.TaskID, task.TaskClass, task.Schedule, task.Enabled)
		}
		return nil
	},
	SilenceUsage: true,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show the scheduling status of one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status json.RawMessage
		if err := newGatewayClient().get("/api/v1/scheduler/tasks/"+args[0]+"/status", &status); err != nil {
			return err
		}
		return printIndented(status)
	},
	SilenceUsage: true,
}

var taskTriggerCmd = &cobra.Command{
	Use:   "trigger <task-id>",
	Short: "Run a task immediately, ignoring its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newGatewayClient().post("/api/v1/scheduler/tasks/"+args[0]+"/trigger", nil); err != nil {
			return err
		}
		fmt.Printf("✓ Task %s triggered\n", args[0])
		return nil
	},
	SilenceUsage: true,
}

var taskHistoryCmd = &cobra.Command{
	Use:   "history <task-id>",
	Short: "Show recent executions of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Executions []types.TaskExecution `json:"executions"`
			Count      int                   `json:"count"`
		}
		if err := newGatewayClient().get("/api/v1/scheduler/tasks/"+args[0]+"/history", &resp); err != nil {
			return err
		}

		if resp.Count == 0 {
			fmt.Println("No executions recorded.")
			return nil
		}
		fmt.Printf("%-38s %-10s %-25s %s\n", "EXECUTION", "STATUS", "STARTED", "ERROR")
		for _, ex := range resp.Executions {
			fmt.Printf("%-38s %-10s %-25s %s\n",
				ex.ExecutionID, ex.Status, ex.StartedAt.Format(time.RFC3339), ex.ErrorMessage)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	taskCmd.PersistentFlags().StringVar(&gatewayAddr, "addr", "http://127.0.0.1:8770", "gateway REST address")
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskTriggerCmd)
	taskCmd.AddCommand(taskHistoryCmd)
}

// wireEnvelope is the sealed request/response body shape the gateway's
// session middleware speaks.
type wireEnvelope struct {
	Encrypted  bool   `json:"encrypted"`
	Payload    string `json:"payload"`
	Compressed bool   `json:"compressed,omitempty"`
	ClientID   string `json:"client_id,omitempty"`
}

// gatewayClient talks to the admin API. The first 401 no-session reply
// triggers a handshake; all traffic after that rides the session channel.
type gatewayClient struct {
	base     string
	http     *http.Client
	clientID string
	sess     *session.Client
}

func newGatewayClient() *gatewayClient {
	return &gatewayClient{
		base:     strings.TrimRight(gatewayAddr, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		clientID: "task-cli-" + uuid.New().String(),
	}
}

func (g *gatewayClient) get(path string, out any) error {
	status, body, err := g.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return apiError(status, body)
	}
	return json.Unmarshal(body, out)
}

func (g *gatewayClient) post(path string, body []byte) error {
	status, reply, err := g.do(http.MethodPost, path, body)
	if err != nil {
		return err
	}
	if status >= 400 {
		return apiError(status, reply)
	}
	return nil
}

func (g *gatewayClient) do(method, path string, body []byte) (int, []byte, error) {
	status, reply, err := g.send(method, path, body)
	if err != nil {
		return 0, nil, err
	}

	if status == http.StatusUnauthorized && g.sess == nil {
		var hint struct {
			Error         *types.ErrorInfo `json:"error"`
			HandshakePath string           `json:"handshake_path"`
		}
		if json.Unmarshal(reply, &hint) == nil && hint.Error != nil && hint.Error.Kind == types.KindNoSession {
			if err := g.handshake(hint.HandshakePath); err != nil {
				return 0, nil, err
			}
			return g.send(method, path, body)
		}
	}
	return status, reply, nil
}

func (g *gatewayClient) send(method, path string, body []byte) (int, []byte, error) {
	if g.sess != nil {
		// Every request carries an envelope so the middleware can find
		// the channel; handlers that take no input get an empty object.
		plaintext := body
		if len(plaintext) == 0 {
			plaintext = []byte("{}")
		}
		sealed, err := g.sess.Encrypt(plaintext)
		if err != nil {
			return 0, nil, err
		}
		body, err = json.Marshal(wireEnvelope{Encrypted: true, Payload: sealed, ClientID: g.clientID})
		if err != nil {
			return 0, nil, err
		}
	}

	req, err := http.NewRequest(method, g.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := g.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}

	// Sealed responses come back under the same envelope shape.
	var env wireEnvelope
	if g.sess != nil && json.Unmarshal(reply, &env) == nil && env.Encrypted {
		plain, err := g.sess.Decrypt(env.Payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to decrypt gateway response: %w", err)
		}
		if env.Compressed {
			if plain, err = gunzipBytes(plain); err != nil {
				return 0, nil, fmt.Errorf("failed to decompress gateway response: %w", err)
			}
		}
		reply = plain
	}
	return resp.StatusCode, reply, nil
}

func (g *gatewayClient) handshake(path string) error {
	if path == "" {
		path = "/api/v1/handshake"
	}
	sess, err := session.NewClient("task-cli")
	if err != nil {
		return err
	}
	hs := sess.Request()
	hs.ClientID = g.clientID

	body, err := json.Marshal(map[string]any{"handshake_request": hs})
	if err != nil {
		return err
	}
	resp, err := g.http.Post(g.base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, reply)
	}

	var hsResp struct {
		Status            string                     `json:"status"`
		ClientID          string                     `json:"client_id"`
		HandshakeResponse *session.HandshakeResponse `json:"handshake_response"`
	}
	if err := json.Unmarshal(reply, &hsResp); err != nil || hsResp.HandshakeResponse == nil {
		return fmt.Errorf("malformed handshake response from gateway")
	}
	if err := sess.Complete(hsResp.ClientID, hsResp.HandshakeResponse); err != nil {
		return err
	}
	g.clientID = hsResp.ClientID
	g.sess = sess
	return nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func apiError(status int, body []byte) error {
	var wrapper struct {
		Error *types.ErrorInfo `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		if wrapper.Error.Detail != "" {
			return fmt.Errorf("%s (%s)", wrapper.Error.Detail, wrapper.Error.Kind)
		}
		return fmt.Errorf("gateway returned %s", wrapper.Error.Kind)
	}
	return fmt.Errorf("gateway returned HTTP %d", status)
}

func printIndented(raw json.RawMessage) error {
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	if err := enc.Encode(v); err != nil {
		return err
	}
	fmt.Print(buf.String())
	return nil
}
