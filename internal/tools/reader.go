package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shehryarbajwa/webmcp-broker/internal/browser"
	"github.com/shehryarbajwa/webmcp-broker/pkg/models"
)

// Reader is the page-side tool surface: what a page declares and how to
// call it.
type Reader interface {
	Discover(ctx context.Context, inst *browser.Instance) (*models.Discovery, error)
	Invoke(ctx context.Context, inst *browser.Instance, name string, input map[string]any) (any, error)
}

// The page registers tools on navigator.modelContext. Shapes differ between
// polyfills, so both scripts accept a listTools() method, a Map, or an array.
const discoverJS = `async () => {
	const mc = navigator.modelContext || window.__modelContext;
	if (!mc) return { hasWebMCP: false, tools: [] };
	let list = [];
	if (typeof mc.listTools === 'function') list = await mc.listTools();
	else if (mc.tools instanceof Map) list = Array.from(mc.tools.values());
	else if (Array.isArray(mc.tools)) list = mc.tools;
	if (list && Array.isArray(list.tools)) list = list.tools;
	const tools = (list || []).filter(t => t && t.name).map(t => ({
		name: String(t.name),
		description: t.description ? String(t.description) : '',
		inputSchema: t.inputSchema || { type: 'object', properties: {} },
	}));
	let serverInfo = null;
	try {
		serverInfo = typeof mc.getServerInfo === 'function' ? await mc.getServerInfo() : (mc.serverInfo || null);
	} catch (e) {}
	return { hasWebMCP: tools.length > 0, tools, serverInfo };
}`

const invokeJS = `async (name, input) => {
	const mc = navigator.modelContext || window.__modelContext;
	if (!mc) throw new Error('page declares no tools');
	if (typeof mc.callTool === 'function') return await mc.callTool(name, input || {});
	let list = [];
	if (typeof mc.listTools === 'function') list = await mc.listTools();
	else if (mc.tools instanceof Map) list = Array.from(mc.tools.values());
	else if (Array.isArray(mc.tools)) list = mc.tools;
	if (list && Array.isArray(list.tools)) list = list.tools;
	const tool = (list || []).find(t => t && t.name === name);
	if (!tool) throw new Error('tool not declared: ' + name);
	const fn = tool.execute || tool.handler;
	if (typeof fn !== 'function') throw new Error('tool has no handler: ' + name);
	const out = await fn(input || {});
	return out === undefined ? null : out;
}`

// PageReader reads tools declared by the page through script evaluation.
type PageReader struct{}

// NewPageReader returns a Reader backed by navigator.modelContext.
func NewPageReader() *PageReader { return &PageReader{} }

func (PageReader) Discover(ctx context.Context, inst *browser.Instance) (*models.Discovery, error) {
	raw, err := inst.Eval(ctx, discoverJS)
	if err != nil {
		return nil, fmt.Errorf("discover tools: %w", err)
	}
	var d models.Discovery
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode tool list: %w", err)
		}
	}
	if d.Tools == nil {
		d.Tools = []models.ToolDescriptor{}
	}
	d.HasDeclaredTools = len(d.Tools) > 0
	return &d, nil
}

func (PageReader) Invoke(ctx context.Context, inst *browser.Instance, name string, input map[string]any) (any, error) {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := inst.Eval(ctx, invokeJS, name, input)
	if err != nil {
		return nil, err
	}
	var out any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode tool result: %w", err)
		}
	}
	return out, nil
}

// declaredFailure reports the error text of an MCP style result flagged
// with isError. The result itself is still returned to the caller.
func declaredFailure(result any) (string, bool) {
	m, ok := result.(map[string]any)
	if !ok {
		return "", false
	}
	if flag, _ := m["isError"].(bool); !flag {
		return "", false
	}
	if content, ok := m["content"].([]any); ok {
		for _, c := range content {
			if item, ok := c.(map[string]any); ok {
				if text, ok := item["text"].(string); ok && text != "" {
					return text, true
				}
			}
		}
	}
	return "tool reported an error", true
}
