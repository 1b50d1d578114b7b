// Package mcptools exposes agent builds as MCP tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kayz/specforge/internal/persist"
	"github.com/kayz/specforge/internal/pipeline"
)

// Tools holds what the tool handlers share.
type Tools struct {
	builds *pipeline.Manager
	store  pipeline.Store
}

func New(builds *pipeline.Manager, store pipeline.Store) *Tools {
	return &Tools{builds: builds, store: store}
}

// NewServer registers the tools on a new MCP server.
func NewServer(name, version string, t *Tools) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(true))
	s.AddTool(t.BuildAgentDefinition(), t.BuildAgent)
	s.AddTool(t.GetDocumentDefinition(), t.GetDocument)
	s.AddTool(t.BuildStatusDefinition(), t.BuildStatus)
	return s
}

func (t *Tools) BuildAgentDefinition() mcp.Tool {
	return mcp.NewTool("build_agent",
		mcp.WithDescription("Build or modify an agent specification (models, enums, actions, schedules) from a natural-language request. "+
			"Interrupted builds are resumed when the same request is repeated."),
		mcp.WithString("command",
			mcp.Description("What the agent should do, or what to change. Optional when resuming."),
		),
		mcp.WithString("document_id",
			mcp.Description("Document to build into. A new id is assigned when omitted."),
		),
		mcp.WithString("operation",
			mcp.Description("create, update, extend or resume (default create)"),
			mcp.Enum("create", "update", "extend", "resume"),
		),
		mcp.WithString("context",
			mcp.Description("Serialized existing document to start from"),
		),
		mcp.WithBoolean("wait",
			mcp.Description("Wait for the build to finish (default true)"),
		),
	)
}

// BuildAgent starts a build and, unless wait is false, returns its result.
func (t *Tools) BuildAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	br := pipeline.BuildRequest{
		Command:    stringArg(args, "command"),
		DocumentID: stringArg(args, "document_id"),
		Operation:  pipeline.Operation(stringArg(args, "operation")),
		Context:    stringArg(args, "context"),
	}
	if br.Command == "" && br.Operation != pipeline.OpResume {
		return mcp.NewToolResultError("command is required"), nil
	}

	wait := true
	if v, ok := args["wait"].(bool); ok {
		wait = v
	}
	if !wait {
		b, attached, err := t.builds.Start(ctx, br)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		verb := "Started"
		if attached {
			verb = "Attached to"
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s build %s. Use build_status to follow it.", verb, b.ID)), nil
	}

	res, err := t.builds.Run(ctx, br, nil)
	if res == nil {
		if err == nil {
			err = errors.New("build ended without a result")
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	text, jerr := describe(res, err)
	if jerr != nil {
		return mcp.NewToolResultError(jerr.Error()), nil
	}
	if err != nil {
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(text)}, IsError: true}, nil
	}
	return mcp.NewToolResultText(text), nil
}

func (t *Tools) GetDocumentDefinition() mcp.Tool {
	return mcp.NewTool("get_agent_document",
		mcp.WithDescription("Return a stored agent specification as JSON."),
		mcp.WithString("document_id",
			mcp.Required(),
			mcp.Description("Document id"),
		),
	)
}

func (t *Tools) GetDocument(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(req.Params.Arguments, "document_id")
	if id == "" {
		return mcp.NewToolResultError("document_id is required"), nil
	}
	res, err := pipeline.LoadResult(ctx, t.store, id)
	if errors.Is(err, persist.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("document %s not found", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load document: %v", err)), nil
	}
	data, err := json.MarshalIndent(res.Document, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to encode document: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *Tools) BuildStatusDefinition() mcp.Tool {
	return mcp.NewTool("build_status",
		mcp.WithDescription("Report the progress of a running build, or the stored status of a document."),
		mcp.WithString("document_id",
			mcp.Required(),
			mcp.Description("Document id"),
		),
	)
}

func (t *Tools) BuildStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := stringArg(req.Params.Arguments, "document_id")
	if id == "" {
		return mcp.NewToolResultError("document_id is required"), nil
	}

	if b, ok := t.builds.Get(id); ok {
		select {
		case <-b.Done():
		default:
			var sb strings.Builder
			sb.WriteString(fmt.Sprintf("## Build %s\n\n- **Status**: running\n", id))
			for _, e := range b.Log.Events() {
				if p, ok := e.Payload.(pipeline.StepPayload); ok {
					sb.WriteString(fmt.Sprintf("- %s: %s\n", p.Phase, p.Status))
				}
			}
			return mcp.NewToolResultText(sb.String()), nil
		}
	}

	res, err := pipeline.LoadResult(ctx, t.store, id)
	if errors.Is(err, persist.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("no build or document %s", id)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load document: %v", err)), nil
	}
	text, err := describe(res, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(text), nil
}

type resultView struct {
	*pipeline.Result
	Error string `json:"error,omitempty"`
}

func describe(res *pipeline.Result, buildErr error) (string, error) {
	v := resultView{Result: res}
	if buildErr != nil {
		v.Error = buildErr.Error()
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(data), nil
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
