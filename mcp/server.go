// Package mcp provides MCP (Model Context Protocol) server implementation
// for AI agent discovery of x402 payment resources.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/x402"
)

// Config configures the discovery server.
type Config struct {
	// Policy is the price table discovery is derived from.
	Policy *x402.Policy
	// BaseURL is where the priced HTTP resources are served.
	BaseURL string
	// Paywall gates paid tools. Without it paid tools are not registered.
	Paywall    *Paywall
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Server wraps the MCP server implementation for x402 discovery.
type Server struct {
	mcpServer  *mcp.Server
	policy     *x402.Policy
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewServer creates a new MCP server instance with x402 discovery capabilities.
func NewServer(cfg Config) *Server {
	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    "x402-discovery",
			Version: "1.0.0",
		},
		&mcp.ServerOptions{},
	)

	s := &Server{
		mcpServer:  mcpServer,
		policy:     cfg.Policy,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger,
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	s.registerTools()
	s.registerResources()
	if cfg.Paywall != nil {
		s.registerPaidTools(cfg.Paywall)
	}

	return s
}

// Handler returns an http.Handler for the MCP streamable HTTP transport.
// This handler should be mounted at /discovery/mcp.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(req *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)
}

// resources lists the priced HTTP resources an agent can call through proxy_tool_call.
func (s *Server) resources() []x402.PricedResource {
	catalog := s.policy.Catalog(s.baseURL)
	out := make([]x402.PricedResource, 0, len(catalog))
	for _, item := range catalog {
		if item.Method == x402.MethodToolCall || strings.HasSuffix(item.Path, "*") {
			continue
		}
		out = append(out, item)
	}
	return out
}

// registerResources exposes every priced HTTP resource as an MCP resource whose contents
// are its payment requirements.
func (s *Server) registerResources() {
	for _, item := range s.resources() {
		// MCP resource URIs must be absolute
		if u, err := url.Parse(resourceURL(item)); err != nil || !u.IsAbs() {
			continue
		}
		res := &mcp.Resource{
			URI:         resourceURL(item),
			Name:        resourceMethod(item) + " " + item.Path,
			Description: item.Description,
			MIMEType:    "application/json",
		}
		s.mcpServer.AddResource(res, s.resourceHandler)
	}
}

func (s *Server) resourceHandler(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uri := req.Params.URI
	for _, item := range s.resources() {
		if resourceURL(item) != uri {
			continue
		}
		data, err := json.Marshal(item.Required)
		if err != nil {
			return nil, errors.Wrap(err, "marshal requirements")
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{
					URI:      uri,
					MIMEType: "application/json",
					Text:     string(data),
				},
			},
		}, nil
	}
	return nil, errors.Errorf("resource not found: %s", uri)
}
