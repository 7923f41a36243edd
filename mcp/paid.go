package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/x402"
)

// Paywall gates MCP tool calls with the same policy and verifier as the HTTP routes.
// Tools are priced by "CALL /tools/<name>" rules; the proof travels in
// _meta["x402/payment"] and the receipt comes back in _meta["x402/payment-response"].
type Paywall struct {
	Policy   *x402.Policy
	Verifier *x402.Verifier
	Settler  *x402.Settler
	Logger   *zap.Logger
	Now      func() time.Time
}

func (p *Paywall) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *Paywall) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// WrapToolHandler wraps an MCP tool handler with x402 payment verification. The handler
// runs before settlement; a tool error is returned unpaid.
func WrapToolHandler[In, Out any](
	p *Paywall,
	toolName string,
	handler func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error),
) func(context.Context, *mcp.CallToolRequest, In) (*mcp.CallToolResult, Out, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input In) (*mcp.CallToolResult, Out, error) {
		var zero Out

		required, priced := p.Policy.Compute(x402.ToolResource(toolName))
		if !priced {
			return handler(ctx, req, input)
		}
		required = p.Verifier.Issue(required, p.now())

		payment, ok := requestMeta(req)[x402.MetaKeyPayment]
		if !ok || payment == nil {
			return paymentRequiredResult(required), zero, nil
		}
		proof, err := proofFromMeta(payment)
		if err != nil {
			p.log().Debug("Undecodable tool payment", zap.String("tool", toolName), zap.Error(err))
			return paymentRequiredResult(required), zero, nil
		}

		outcome := p.Verifier.AdmitProof(ctx, proof, required)
		if !outcome.Admitted() {
			return paymentRequiredResult(outcome.Required), zero, nil
		}

		result, out, err := handler(ctx, req, input)
		if err != nil || (result != nil && result.IsError) {
			p.Verifier.Forgo(outcome)
			p.log().Debug("Paid tool failed, not settling", zap.String("tool", toolName))
			return result, out, err
		}
		settled, err := p.Settler.Settle(ctx, outcome)
		if err != nil {
			p.log().Warn("Tool settlement failed", zap.String("tool", toolName), zap.Error(err))
			return paymentRequiredResult(required), zero, nil
		}
		if result == nil {
			result = &mcp.CallToolResult{}
		}
		if result.Meta == nil {
			result.Meta = make(map[string]any)
		}
		result.Meta[x402.MetaKeyPaymentResponse] = settled
		return result, out, nil
	}
}

func paymentRequiredResult(required x402.PaymentRequired) *mcp.CallToolResult {
	text, err := json.Marshal(required)
	if err != nil {
		text = []byte(fmt.Sprintf(`{"error":%q}`, required.Error))
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(text)},
		},
		Meta: map[string]any{
			x402.MetaKeyPaymentRequired: required,
		},
	}
}

func requestMeta(req *mcp.CallToolRequest) map[string]any {
	if req == nil || req.Params == nil {
		return nil
	}
	return req.Params.GetMeta()
}
