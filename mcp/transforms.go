package mcp

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-faster/errors"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/andrewreder/x402-gate/x402"
)

const maxProxyResponseBytes = 1 << 20

// resourceToTool describes a priced resource as a tool that is executed via proxy_tool_call.
func resourceToTool(resource x402.PricedResource) *mcp.Tool {
	method, target := resourceMethod(resource), resourceURL(resource)

	var desc strings.Builder
	if resource.Description != "" {
		desc.WriteString(strings.TrimSpace(resource.Description))
	} else {
		fmt.Fprintf(&desc, "%s %s", method, target)
	}
	if accepts := resource.Required.Accepts; len(accepts) > 0 {
		fmt.Fprintf(&desc, ". Costs %s", x402.FormatAmount(accepts[0].MaxAmountRequired, accepts[0].Asset))
	}
	desc.WriteString(". Execute with " + toolProxy + " and a payment in _meta.")

	required := resource.Required
	required.IssuedAt = 0
	return &mcp.Tool{
		Name:        toolNameFromResource(target, method),
		Description: desc.String(),
		InputSchema: proxyToolSchema(method, target),
		Meta: mcp.Meta{
			x402.MetaKeyPaymentRequired: required,
			"x402/call-with":            map[string]any{"tool": toolProxy},
		},
	}
}

func resourceMethod(resource x402.PricedResource) string {
	if resource.Method == "" || resource.Method == "*" {
		return http.MethodGet
	}
	return resource.Method
}

func resourceURL(resource x402.PricedResource) string {
	if accepts := resource.Required.Accepts; len(accepts) > 0 && accepts[0].Resource != "" {
		return accepts[0].Resource
	}
	return resource.Path
}

// toolNameFromResource derives a stable tool name; the hash suffix keeps names unique
// after sanitizing.
func toolNameFromResource(resource, method string) string {
	sum := sha1.Sum([]byte(method + ":" + resource))
	return "x402_" + sanitizeToolName(strings.ToLower(method)) + "_" + sanitizeToolName(resource) + "_" + hex.EncodeToString(sum[:4])
}

func sanitizeToolName(value string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '_'
	}, value)
	if s = strings.Trim(s, "_"); s == "" {
		return "resource"
	}
	return s
}

func stringMapSchema(description string) map[string]any {
	return map[string]any{
		"type":                 "object",
		"description":          description,
		"additionalProperties": jsonType("string"),
	}
}

func proxyToolSchema(method, resource string) map[string]any {
	params := map[string]any{
		"query":   stringMapSchema("Query parameters to add to the URL."),
		"headers": stringMapSchema("Extra request headers."),
	}
	if method != http.MethodGet {
		params["body"] = map[string]any{"description": "JSON request body."}
	}
	return map[string]any{
		"type":        "object",
		"description": fmt.Sprintf("HTTP %s to %s", method, resource),
		"properties": map[string]any{
			"parameters": map[string]any{"type": "object", "properties": params},
		},
	}
}

func findResourceForToolName(items []x402.PricedResource, toolName string) (x402.PricedResource, error) {
	for _, resource := range items {
		if toolNameFromResource(resourceURL(resource), resourceMethod(resource)) == toolName {
			return resource, nil
		}
	}
	return x402.PricedResource{}, errors.Errorf("tool %q not found", toolName)
}

func stringParams(params map[string]any, key string) map[string]string {
	raw, ok := params[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// proxyToolCallToHTTPRequest builds the upstream request from proxy_tool_call parameters.
func proxyToolCallToHTTPRequest(
	ctx context.Context,
	resource x402.PricedResource,
	params map[string]any,
	payment string,
) (*http.Request, error) {
	endpoint, err := url.Parse(resourceURL(resource))
	if err != nil {
		return nil, errors.Wrap(err, "resource url")
	}
	query := endpoint.Query()
	for k, v := range stringParams(params, "query") {
		query.Set(k, v)
	}
	endpoint.RawQuery = query.Encode()

	var body io.Reader
	if raw := params["body"]; raw != nil {
		payload, err := json.Marshal(raw)
		if err != nil {
			return nil, errors.Wrap(err, "body")
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, resourceMethod(resource), endpoint.String(), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range stringParams(params, "headers") {
		req.Header.Set(k, v)
	}
	if payment != "" {
		req.Header.Set(x402.HeaderPayment, payment)
	}
	return req, nil
}

// httpResponseToMCPResult turns the upstream answer into a tool result. A v1 402 body
// becomes structured content, a settlement header becomes _meta.
func httpResponseToMCPResult(resp *http.Response) (*mcp.CallToolResult, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read proxy response")
	}

	if required := decodePaymentRequired(resp, body); required != nil {
		return &mcp.CallToolResult{
			Content:           []mcp.Content{&mcp.TextContent{Text: string(body)}},
			StructuredContent: required,
			Meta:              mcp.Meta{x402.MetaKeyPaymentRequired: required},
			IsError:           true,
		}, nil
	}

	text, err := json.MarshalIndent(map[string]any{
		"status":  resp.StatusCode,
		"headers": resp.Header,
		"body":    string(body),
	}, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal proxy response")
	}
	result := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(text)}},
		IsError: resp.StatusCode >= http.StatusBadRequest,
	}
	if receipt := decodePaymentResponse(resp); receipt != nil {
		result.Meta = mcp.Meta{x402.MetaKeyPaymentResponse: receipt}
	}
	return result, nil
}
