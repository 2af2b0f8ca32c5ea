// Package mcpserver exposes the memory core as an MCP server over stdio,
// speaking newline-delimited JSON-RPC 2.0. Tools are registered with their
// schema so tools/list stays in step with the handlers.
package mcpserver

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/mnemora/mnemora/internal/logging"
)

// ToolHandler executes one tool call.
type ToolHandler func(args map[string]any) (string, error)

// Tool pairs a schema with its handler.
type Tool struct {
	Name        string
	Description string
	Schema      InputSchema
	Handler     ToolHandler
}

// InputSchema is the JSON schema advertised for a tool's arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property describes one tool argument.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Server is an MCP server over stdio.
type Server struct {
	tools  []Tool
	byName map[string]*Tool

	reader *bufio.Reader
	writer io.Writer
}

// NewServer creates a server reading stdin and writing stdout.
func NewServer() *Server {
	return &Server{
		byName: make(map[string]*Tool),
		reader: bufio.NewReader(os.Stdin),
		writer: os.Stdout,
	}
}

// Register adds a tool.
func (s *Server) Register(t Tool) {
	s.tools = append(s.tools, t)
	s.byName[t.Name] = &s.tools[len(s.tools)-1]
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type initializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	ServerInfo      serverInfo   `json:"serverInfo"`
	Capabilities    capabilities `json:"capabilities"`
}

type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type capabilities struct {
	Tools *toolsCapability `json:"tools,omitempty"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type toolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolsCallResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Run serves until stdin closes.
func (s *Server) Run() error {
	logging.Info("mcp", "server starting with %d tools", len(s.tools))

	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF {
			logging.Info("mcp", "EOF received, shutting down")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		if line == "" || line == "\n" {
			continue
		}

		var req jsonRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			logging.Warn("mcp", "failed to parse request: %v", err)
			continue
		}

		if resp := s.handleRequest(req); resp != nil {
			s.sendResponse(resp)
		}
	}
}

func (s *Server) handleRequest(req jsonRPCRequest) *jsonRPCResponse {
	switch req.Method {
	case "initialize":
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: initializeResult{
				ProtocolVersion: "2024-11-05",
				ServerInfo:      serverInfo{Name: "mnemora", Version: "0.1.0"},
				Capabilities:    capabilities{Tools: &toolsCapability{}},
			},
		}
	case "initialized":
		// Notification, no response needed
		return nil
	case "tools/list":
		defs := make([]toolDefinition, len(s.tools))
		for i, t := range s.tools {
			defs[i] = toolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.Schema}
		}
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]any{"tools": defs},
		}
	case "tools/call":
		return s.handleToolsCall(req)
	default:
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonRPCError{Code: -32601, Message: "Method not found: " + req.Method},
		}
	}
}

func (s *Server) handleToolsCall(req jsonRPCRequest) *jsonRPCResponse {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &jsonRPCError{Code: -32602, Message: fmt.Sprintf("Invalid params: %v", err)},
		}
	}

	tool, ok := s.byName[params.Name]
	if !ok {
		return toolError(req.ID, fmt.Sprintf("Unknown tool: %s", params.Name))
	}

	logging.Debug("mcp", "tool call: %s", params.Name)
	result, err := tool.Handler(params.Arguments)
	if err != nil {
		return toolError(req.ID, fmt.Sprintf("Error: %v", err))
	}
	return &jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  toolsCallResult{Content: []contentBlock{{Type: "text", Text: result}}},
	}
}

func toolError(id any, msg string) *jsonRPCResponse {
	return &jsonRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: toolsCallResult{
			Content: []contentBlock{{Type: "text", Text: msg}},
			IsError: true,
		},
	}
}

func (s *Server) sendResponse(resp *jsonRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		logging.Warn("mcp", "failed to marshal response: %v", err)
		return
	}
	fmt.Fprintln(s.writer, string(data))
}
