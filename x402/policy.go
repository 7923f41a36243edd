package x402

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// MethodToolCall prices MCP tool invocations. Rules are written "CALL /tools/<name>".
const MethodToolCall = "CALL"

// ToolResource describes an MCP tool invocation for Compute.
func ToolResource(name string) ResourceDescriptor {
	return ResourceDescriptor{
		Method: MethodToolCall,
		Path:   "/tools/" + name,
		URL:    "mcp://tool/" + name,
	}
}

// PaymentOption is one entry of a price rule. Zero MaxTimeoutSeconds means 60s.
type PaymentOption struct {
	Scheme            Scheme          `yaml:"scheme" json:"scheme"`
	Network           Network         `yaml:"network" json:"network"`
	Amount            string          `yaml:"amount" json:"amount"`
	PayTo             string          `yaml:"payTo" json:"payTo"`
	Asset             AssetDescriptor `yaml:"asset" json:"asset"`
	MaxTimeoutSeconds int             `yaml:"maxTimeoutSeconds" json:"maxTimeoutSeconds"`
	Extra             map[string]any  `yaml:"extra" json:"extra,omitempty"`
}

// PriceRule prices every resource matched by Resource, written "METHOD /path" or
// "METHOD /prefix/*". A "*" method matches any method.
type PriceRule struct {
	Resource    string          `yaml:"resource" json:"resource"`
	Description string          `yaml:"description" json:"description"`
	MimeType    string          `yaml:"mimeType" json:"mimeType"`
	Accepts     []PaymentOption `yaml:"accepts" json:"accepts"`
}

// ResourceDescriptor identifies the resource being requested. URL is advertised as the
// requirement's resource; it defaults to Path.
type ResourceDescriptor struct {
	Method string
	Path   string
	URL    string
}

type compiledRule struct {
	rule   PriceRule
	method string
	path   string
	prefix bool
}

// Policy computes payment requirements from a static price table.
type Policy struct {
	rules []compiledRule
}

// NewPolicy validates rules against the scheme registry and compiles them.
func NewPolicy(rules []PriceRule, schemes *SchemeRegistry) (*Policy, error) {
	if schemes == nil {
		schemes = DefaultSchemes()
	}
	p := &Policy{rules: make([]compiledRule, 0, len(rules))}
	for i, rule := range rules {
		cr, err := compileRule(rule, schemes)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidPolicy, "rule %d (%s): %v", i, rule.Resource, err)
		}
		p.rules = append(p.rules, cr)
	}
	return p, nil
}

func compileRule(rule PriceRule, schemes *SchemeRegistry) (compiledRule, error) {
	method, path, ok := strings.Cut(strings.TrimSpace(rule.Resource), " ")
	if !ok {
		return compiledRule{}, errors.New(`resource must look like "GET /path"`)
	}
	path = strings.TrimSpace(path)
	if !strings.HasPrefix(path, "/") {
		return compiledRule{}, errors.Errorf("path %q must start with /", path)
	}
	if len(rule.Accepts) == 0 {
		return compiledRule{}, errors.New("no payment options")
	}
	cr := compiledRule{rule: rule, method: strings.ToUpper(method), path: path}
	if strings.HasSuffix(path, "*") {
		cr.prefix = true
		cr.path = strings.TrimSuffix(path, "*")
	}
	cr.rule.Accepts = make([]PaymentOption, len(rule.Accepts))
	for i, opt := range rule.Accepts {
		if opt.MaxTimeoutSeconds == 0 {
			opt.MaxTimeoutSeconds = defaultMaxTimeoutSeconds
		}
		if opt.MaxTimeoutSeconds < 0 {
			return compiledRule{}, errors.Errorf("option %d: negative maxTimeoutSeconds", i)
		}
		if _, err := ParseAmount(opt.Amount); err != nil {
			return compiledRule{}, errors.Wrapf(err, "option %d", i)
		}
		strategy, ok := schemes.Lookup(opt.Scheme)
		if !ok {
			return compiledRule{}, errors.Errorf("option %d: unknown scheme %q", i, opt.Scheme)
		}
		if err := strategy.CheckRequirements(opt.requirements(rule, "")); err != nil {
			return compiledRule{}, errors.Wrapf(err, "option %d", i)
		}
		opt.Extra = cloneExtra(opt.Extra)
		cr.rule.Accepts[i] = opt
	}
	return cr, nil
}

func (r compiledRule) matches(method, path string) bool {
	if r.method != "*" && r.method != method {
		return false
	}
	if r.prefix {
		return strings.HasPrefix(path, r.path)
	}
	return path == r.path
}

func (o PaymentOption) requirements(rule PriceRule, resource string) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            o.Scheme,
		Network:           o.Network,
		MaxAmountRequired: strings.TrimSpace(o.Amount),
		Resource:          resource,
		Description:       rule.Description,
		MimeType:          rule.MimeType,
		PayTo:             o.PayTo,
		MaxTimeoutSeconds: o.MaxTimeoutSeconds,
		Asset:             o.Asset,
		Extra:             cloneExtra(o.Extra),
	}
}

// Compute returns the payment requirements for rd, or false when the resource is free.
// The result is freshly allocated on every call and depends only on rd and the table.
func (p *Policy) Compute(rd ResourceDescriptor) (PaymentRequired, bool) {
	method := strings.ToUpper(rd.Method)
	for _, r := range p.rules {
		if !r.matches(method, rd.Path) {
			continue
		}
		resource := rd.URL
		if resource == "" {
			resource = rd.Path
		}
		accepts := make([]PaymentRequirements, 0, len(r.rule.Accepts))
		for _, opt := range r.rule.Accepts {
			accepts = append(accepts, opt.requirements(r.rule, resource))
		}
		return PaymentRequired{
			X402Version: X402Version,
			Error:       paymentRequiredMessage,
			Accepts:     accepts,
		}, true
	}
	return PaymentRequired{}, false
}

// Rules returns a copy of the compiled price table.
func (p *Policy) Rules() []PriceRule {
	out := make([]PriceRule, len(p.rules))
	for i, r := range p.rules {
		rule := r.rule
		rule.Accepts = make([]PaymentOption, len(r.rule.Accepts))
		for j, opt := range r.rule.Accepts {
			opt.Extra = cloneExtra(opt.Extra)
			rule.Accepts[j] = opt
		}
		out[i] = rule
	}
	return out
}

// Kinds lists the distinct (scheme, network) pairs the table advertises.
func (p *Policy) Kinds() []SupportedKind {
	seen := map[string]bool{}
	var kinds []SupportedKind
	for _, r := range p.rules {
		for _, opt := range r.rule.Accepts {
			key := fmt.Sprintf("%s|%s", opt.Scheme, opt.Network)
			if seen[key] {
				continue
			}
			seen[key] = true
			kinds = append(kinds, SupportedKind{X402Version: X402Version, Scheme: opt.Scheme, Network: opt.Network})
		}
	}
	return kinds
}

// PricedResource is a price table entry resolved for discovery listings.
type PricedResource struct {
	Method      string
	Path        string
	Description string
	MimeType    string
	Required    PaymentRequired
}

// Catalog lists every priced resource with its requirements, resolving resource URLs
// against baseURL. Prefix rules keep their trailing "*".
func (p *Policy) Catalog(baseURL string) []PricedResource {
	baseURL = strings.TrimRight(baseURL, "/")
	out := make([]PricedResource, 0, len(p.rules))
	for _, r := range p.rules {
		path := r.path
		if r.prefix {
			path += "*"
		}
		accepts := make([]PaymentRequirements, 0, len(r.rule.Accepts))
		for _, opt := range r.rule.Accepts {
			accepts = append(accepts, opt.requirements(r.rule, baseURL+path))
		}
		out = append(out, PricedResource{
			Method:      r.method,
			Path:        path,
			Description: r.rule.Description,
			MimeType:    r.rule.MimeType,
			Required: PaymentRequired{
				X402Version: X402Version,
				Error:       paymentRequiredMessage,
				Accepts:     accepts,
			},
		})
	}
	return out
}
