package x402

import (
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/go-faster/errors"
)

// Scheme names a payment mechanism.
type Scheme string

const (
	// SchemeExact pays with a signed transfer authorization the facilitator settles.
	SchemeExact Scheme = "exact"
	// SchemeTransfer pays with a transfer the payer broadcasts itself; the proof carries
	// the transaction reference.
	SchemeTransfer Scheme = "transfer"
)

// Network identifies a ledger, in CAIP-2 form ("eip155:8453") or by a legacy name ("base").
type Network string

// Family groups networks that share address and transaction formats.
type Family string

const (
	FamilyUnknown Family = ""
	FamilyEVM     Family = "evm"
	FamilySVM     Family = "svm"
)

var legacyNetworks = map[Network]Family{
	"base":           FamilyEVM,
	"base-sepolia":   FamilyEVM,
	"ethereum":       FamilyEVM,
	"sepolia":        FamilyEVM,
	"polygon":        FamilyEVM,
	"polygon-amoy":   FamilyEVM,
	"avalanche":      FamilyEVM,
	"avalanche-fuji": FamilyEVM,
	"solana":         FamilySVM,
	"solana-devnet":  FamilySVM,
}

// Family reports which address family the network belongs to.
func (n Network) Family() Family {
	s := string(n)
	switch {
	case strings.HasPrefix(s, "eip155:"):
		return FamilyEVM
	case strings.HasPrefix(s, "solana:"):
		return FamilySVM
	}
	return legacyNetworks[n]
}

// ValidateAddress checks that addr is well formed for the network's family. Networks of
// an unknown family only require a non-empty address.
func (n Network) ValidateAddress(addr string) error {
	if addr == "" {
		return errors.Errorf("empty address for network %q", n)
	}
	switch n.Family() {
	case FamilyEVM:
		if !common.IsHexAddress(addr) {
			return errors.Errorf("%q is not an EVM address", addr)
		}
	case FamilySVM:
		if _, err := solana.PublicKeyFromBase58(addr); err != nil {
			return errors.Wrapf(err, "%q is not a Solana address", addr)
		}
	}
	return nil
}

// SchemeStrategy holds the server side rules of one payment scheme.
type SchemeStrategy interface {
	Scheme() Scheme
	// CheckRequirements validates an advertised option when a policy is built.
	CheckRequirements(req PaymentRequirements) error
}

// SchemeRegistry maps scheme names to their strategies. It is populated at construction
// and read-only afterwards.
type SchemeRegistry struct {
	strategies map[Scheme]SchemeStrategy
}

// NewSchemeRegistry builds a registry from the given strategies. Later entries replace
// earlier ones with the same scheme.
func NewSchemeRegistry(strategies ...SchemeStrategy) *SchemeRegistry {
	r := &SchemeRegistry{strategies: make(map[Scheme]SchemeStrategy, len(strategies))}
	for _, s := range strategies {
		r.strategies[s.Scheme()] = s
	}
	return r
}

// DefaultSchemes returns a registry with the exact and transfer schemes.
func DefaultSchemes() *SchemeRegistry {
	return NewSchemeRegistry(ExactScheme{}, TransferScheme{})
}

// Lookup returns the strategy registered for scheme.
func (r *SchemeRegistry) Lookup(scheme Scheme) (SchemeStrategy, bool) {
	s, ok := r.strategies[scheme]
	return s, ok
}

// Schemes lists the registered scheme names in sorted order.
func (r *SchemeRegistry) Schemes() []Scheme {
	out := make([]Scheme, 0, len(r.strategies))
	for s := range r.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExactScheme validates options paid by signed transfer authorizations.
type ExactScheme struct{}

func (ExactScheme) Scheme() Scheme { return SchemeExact }

func (ExactScheme) CheckRequirements(req PaymentRequirements) error {
	if err := checkAddresses(req); err != nil {
		return err
	}
	// EIP-3009 authorizations are signed against the token's EIP-712 domain.
	if req.Network.Family() == FamilyEVM {
		if _, ok := req.Extra["name"]; !ok {
			return errors.New("exact EVM option needs extra.name (token EIP-712 domain name)")
		}
	}
	return nil
}

// TransferScheme validates options paid by payer-broadcast transfers.
type TransferScheme struct{}

func (TransferScheme) Scheme() Scheme { return SchemeTransfer }

func (TransferScheme) CheckRequirements(req PaymentRequirements) error {
	return checkAddresses(req)
}

func checkAddresses(req PaymentRequirements) error {
	if err := req.Network.ValidateAddress(req.PayTo); err != nil {
		return errors.Wrap(err, "payTo")
	}
	if err := req.Network.ValidateAddress(req.Asset.Address); err != nil {
		return errors.Wrap(err, "asset")
	}
	return nil
}
