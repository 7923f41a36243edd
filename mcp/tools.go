package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/x402"
)

const (
	toolSearch = "search_resources"
	toolProxy  = "proxy_tool_call"
	toolPaid   = "get_weather"
)

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:  toolSearch,
		Title: "Find paid HTTP resources",
		Description: "Lists the priced HTTP resources of this server as callable tools, each with its " +
			"payment requirements in _meta. Filter with searchQuery. Call a result through " + toolProxy + ".",
		Meta:         usageMeta("discover", toolProxy),
		OutputSchema: searchResourcesOutputSchema(),
	}, s.SearchResources)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:  toolProxy,
		Title: "Call a paid HTTP resource",
		Description: "Calls a tool returned by " + toolSearch + ". Attach the payment proof in " +
			"_meta[\"" + x402.MetaKeyPayment + "\"]; a missing or refused proof returns the requirements.",
		Meta: usageMeta("execute", ""),
	}, s.ProxyToolCall)
}

func (s *Server) registerPaidTools(p *Paywall) {
	meta := mcp.Meta{}
	if required, ok := p.Policy.Compute(x402.ToolResource(toolPaid)); ok {
		meta[x402.MetaKeyPaymentRequired] = required
	}
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        toolPaid,
		Description: "Current weather for a location. Paid per call: attach a proof in _meta[\"" + x402.MetaKeyPayment + "\"].",
		Meta:        meta,
	}, WrapToolHandler(p, toolPaid, getWeather))
}

func usageMeta(step, next string) mcp.Meta {
	usage := map[string]any{"step": step}
	if next != "" {
		usage["next"] = next
	}
	return mcp.Meta{"x402/usage": usage}
}

// SearchResourcesParams is the input of search_resources.
type SearchResourcesParams struct {
	SearchQuery string `json:"searchQuery,omitempty" jsonschema:"Text matched against resource paths and descriptions"`
	Limit       *int   `json:"limit,omitempty" jsonschema:"Maximum number of tools to return"`
	Offset      *int   `json:"offset,omitempty" jsonschema:"Number of matching tools to skip"`
}

type SearchResourcesPagination struct {
	Limit  *int `json:"limit,omitempty"`
	Offset *int `json:"offset,omitempty"`
	Total  *int `json:"total,omitempty"`
}

// SearchResourcesOutput is the structured output of search_resources.
type SearchResourcesOutput struct {
	Pagination  SearchResourcesPagination `json:"pagination"`
	X402Version int                       `json:"x402Version"`
	Tools       []*mcp.Tool               `json:"tools,omitempty"`
}

// ProxyToolCallParams is the input of proxy_tool_call. Parameters may hold "query",
// "headers" and "body".
type ProxyToolCallParams struct {
	ToolName   string         `json:"toolName" jsonschema:"Name of a tool returned by search_resources,required"`
	Parameters map[string]any `json:"parameters,omitempty" jsonschema:"query, headers and body of the HTTP call"`
}

// SearchResources lists the priced resources matching the query as proxy tools.
func (s *Server) SearchResources(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params *SearchResourcesParams,
) (*mcp.CallToolResult, SearchResourcesOutput, error) {
	matched := filterResources(s.resources(), params.SearchQuery)
	page, pagination := paginateResources(matched, params.Limit, params.Offset)

	tools := make([]*mcp.Tool, len(page))
	for i, resource := range page {
		tools[i] = resourceToTool(resource)
	}
	return nil, SearchResourcesOutput{
		Pagination:  pagination,
		X402Version: x402.X402Version,
		Tools:       tools,
	}, nil
}

// ProxyToolCall performs the HTTP call behind a discovered tool. A proof found in
// _meta["x402/payment"] is forwarded as X-PAYMENT; a 402 answer comes back as an error
// result carrying the requirements.
func (s *Server) ProxyToolCall(
	ctx context.Context,
	req *mcp.CallToolRequest,
	params *ProxyToolCallParams,
) (*mcp.CallToolResult, any, error) {
	if params.ToolName == "" {
		return errorResult("toolName is required"), nil, nil
	}
	resource, err := findResourceForToolName(s.resources(), params.ToolName)
	if err != nil {
		return errorResult(err.Error()), nil, nil
	}

	var header string
	if payment := requestMeta(req)[x402.MetaKeyPayment]; payment != nil {
		if header, err = paymentHeader(payment); err != nil {
			return errorResult(fmt.Sprintf("invalid %s metadata: %v", x402.MetaKeyPayment, err)), nil, nil
		}
	}

	httpReq, err := proxyToolCallToHTTPRequest(ctx, resource, params.Parameters, header)
	if err != nil {
		return nil, nil, errors.Wrap(err, "build proxy request")
	}
	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, errors.Wrap(err, "proxy request")
	}
	defer httpResp.Body.Close()

	s.log.Debug("Proxied tool call",
		zap.String("tool", params.ToolName),
		zap.Bool("paid", header != ""),
		zap.Int("status", httpResp.StatusCode))

	result, err := httpResponseToMCPResult(httpResp)
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}

type GetWeatherInput struct {
	Location string `json:"location" jsonschema:"the city or location to get weather for"`
}

type GetWeatherOutput struct {
	Location    string  `json:"location"`
	Temperature float64 `json:"temperature"`
	Conditions  string  `json:"conditions"`
	Unit        string  `json:"unit"`
}

func getWeather(ctx context.Context, req *mcp.CallToolRequest, input GetWeatherInput) (*mcp.CallToolResult, GetWeatherOutput, error) {
	return nil, GetWeatherOutput{
		Location:    input.Location,
		Temperature: 72.5,
		Conditions:  "Partly cloudy",
		Unit:        "fahrenheit",
	}, nil
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

func jsonType(t string) map[string]any {
	return map[string]any{"type": t}
}

func openObject() map[string]any {
	return map[string]any{"type": "object", "additionalProperties": true}
}

func closedObject(props map[string]any) map[string]any {
	return map[string]any{"type": "object", "properties": props, "additionalProperties": false}
}

// searchResourcesOutputSchema is spelled out because the listed tools carry free-form
// schemas and _meta.
func searchResourcesOutputSchema() map[string]any {
	tool := closedObject(map[string]any{
		"_meta":        openObject(),
		"name":         jsonType("string"),
		"title":        jsonType("string"),
		"description":  jsonType("string"),
		"inputSchema":  openObject(),
		"outputSchema": openObject(),
		"annotations":  openObject(),
	})
	return closedObject(map[string]any{
		"pagination": closedObject(map[string]any{
			"limit":  jsonType("integer"),
			"offset": jsonType("integer"),
			"total":  jsonType("integer"),
		}),
		"x402Version": jsonType("integer"),
		"tools":       map[string]any{"type": "array", "items": tool},
	})
}

func filterResources(items []x402.PricedResource, query string) []x402.PricedResource {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return items
	}
	var out []x402.PricedResource
	for _, item := range items {
		haystack := strings.ToLower(item.Method + " " + item.Path + " " + item.Description)
		if strings.Contains(haystack, query) {
			out = append(out, item)
		}
	}
	return out
}

func paginateResources(items []x402.PricedResource, limit, offset *int) ([]x402.PricedResource, SearchResourcesPagination) {
	total := len(items)
	start := clamp(valueOr(offset, 0), 0, total)
	end := total
	if limit != nil && *limit >= 0 {
		end = clamp(start+*limit, start, total)
	}
	return items[start:end], SearchResourcesPagination{
		Limit:  copyInt(limit),
		Offset: copyInt(offset),
		Total:  &total,
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func valueOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
