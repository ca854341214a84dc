package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/crypton-sys/crypton/internal/runner/artifacts"
	"github.com/crypton-sys/crypton/internal/runner/domain"
)

// maxHTTPBody caps the body returned by http_get so a large page cannot
// flood the conversation.
const maxHTTPBody = 64 << 10

// BuiltinConfig wires the built-in toolset to runner state.
type BuiltinConfig struct {
	Artifacts *artifacts.Store

	// CurrentCycleID resolves the cycle the calling agent is working in.
	CurrentCycleID func() string

	// MarketCachePath points at the market snapshot cache the execution
	// service persists on its side of the shared volume. Empty disables the
	// market_snapshot tool's data source.
	MarketCachePath string

	// AllowedHosts is the http_get allow-list.
	AllowedHosts []string

	HTTPTimeout time.Duration
}

type builtins struct {
	store   *artifacts.Store
	cycleID func() string
	cfg     BuiltinConfig
	client  *http.Client
}

// RegisterBuiltins adds the standard agent toolset to the registry.
func RegisterBuiltins(reg *Registry, cfg BuiltinConfig) error {
	if cfg.Artifacts == nil {
		return fmt.Errorf("artifact store is required")
	}
	if cfg.CurrentCycleID == nil {
		return fmt.Errorf("cycle id resolver is required")
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	b := &builtins{
		store:   cfg.Artifacts,
		cycleID: cfg.CurrentCycleID,
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
	}

	tools := []Tool{
		{
			Name:        "read_artifact",
			Description: "Read an artifact from the current cycle, or from the cycle given by cycle_id. Falls back to the most recent cycle that has the artifact.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"cycle_id": {"type": "string"},
					"name": {"type": "string"}
				},
				"required": ["name"]
			}`),
			Handler: b.readArtifact,
		},
		{
			Name:        "write_artifact",
			Description: "Write an artifact into the current cycle directory.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"content": {"type": "string"}
				},
				"required": ["name", "content"]
			}`),
			Handler: b.writeArtifact,
		},
		{
			Name:        "read_memory",
			Description: "Read an agent's long-lived memory file.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"agent": {"type": "string"}
				},
				"required": ["agent"]
			}`),
			Handler: b.readMemory,
		},
		{
			Name:        "append_memory",
			Description: "Append a note to an agent's long-lived memory file.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"agent": {"type": "string"},
					"text": {"type": "string"}
				},
				"required": ["agent", "text"]
			}`),
			Handler: b.appendMemory,
		},
		{
			Name:        "list_cycles",
			Description: "List all cycle ids known to the artifact store, oldest first.",
			Handler:     b.listCycles,
		},
		{
			Name:        "market_snapshot",
			Description: "Read the latest market snapshots from the execution service cache. Pass asset to select a single instrument.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"asset": {"type": "string"}
				}
			}`),
			Handler: b.marketSnapshot,
		},
		{
			Name:        "http_get",
			Description: "Fetch a URL from an allow-listed host. Returns status and up to 64 KiB of body.",
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"url": {"type": "string"}
				},
				"required": ["url"]
			}`),
			Handler: b.httpGet,
		},
	}
	for _, t := range tools {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

func (b *builtins) readArtifact(_ context.Context, args map[string]interface{}) (interface{}, error) {
	name := stringArg(args, "name")
	cycleID := stringArg(args, "cycle_id")
	if cycleID == "" {
		cycleID = b.cycleID()
	}
	if cycleID != "" {
		if content, err := b.store.Read(cycleID, name); err == nil {
			return map[string]interface{}{"cycle_id": cycleID, "name": name, "content": content}, nil
		}
	}
	latestID, content, err := b.store.Latest(name)
	if err != nil {
		return nil, fmt.Errorf("artifact %s not found in any cycle", name)
	}
	return map[string]interface{}{"cycle_id": latestID, "name": name, "content": content}, nil
}

func (b *builtins) writeArtifact(_ context.Context, args map[string]interface{}) (interface{}, error) {
	name := stringArg(args, "name")
	content := stringArg(args, "content")
	cycleID := b.cycleID()
	if cycleID == "" {
		return nil, fmt.Errorf("no active cycle")
	}
	if err := b.store.Write(cycleID, name, content); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cycle_id": cycleID, "name": name, "bytes": len(content)}, nil
}

func (b *builtins) readMemory(_ context.Context, args map[string]interface{}) (interface{}, error) {
	agent, err := parseAgent(stringArg(args, "agent"))
	if err != nil {
		return nil, err
	}
	content, err := b.store.ReadMemory(agent)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent": string(agent), "content": content}, nil
}

func (b *builtins) appendMemory(_ context.Context, args map[string]interface{}) (interface{}, error) {
	agent, err := parseAgent(stringArg(args, "agent"))
	if err != nil {
		return nil, err
	}
	text := stringArg(args, "text")
	if err := b.store.AppendMemory(agent, text); err != nil {
		return nil, err
	}
	return map[string]interface{}{"agent": string(agent), "appended": true}, nil
}

func (b *builtins) listCycles(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return b.store.ListCycles(), nil
}

func (b *builtins) marketSnapshot(_ context.Context, args map[string]interface{}) (interface{}, error) {
	if b.cfg.MarketCachePath == "" {
		return nil, fmt.Errorf("market cache not configured")
	}
	raw, err := os.ReadFile(b.cfg.MarketCachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("market cache not available yet")
		}
		return nil, fmt.Errorf("read market cache: %w", err)
	}
	var doc map[string]interface{}
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode market cache: %w", err)
	}
	snapshots, _ := doc["snapshots"].(map[string]interface{})
	if asset := stringArg(args, "asset"); asset != "" {
		snap, ok := snapshots[strings.ToUpper(asset)]
		if !ok {
			return nil, fmt.Errorf("no snapshot for asset %s", strings.ToUpper(asset))
		}
		return map[string]interface{}{"asset": strings.ToUpper(asset), "snapshot": snap, "saved_at": doc["saved_at"]}, nil
	}
	return map[string]interface{}{"snapshots": snapshots, "saved_at": doc["saved_at"]}, nil
}

func (b *builtins) httpGet(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawURL := stringArg(args, "url")
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !b.hostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("host %s is not allow-listed", u.Hostname())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

func (b *builtins) hostAllowed(host string) bool {
	for _, h := range b.cfg.AllowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func parseAgent(name string) (domain.Agent, error) {
	for _, a := range domain.AllAgents {
		if string(a) == name {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown agent %q", name)
}
