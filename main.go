package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/andrewreder/x402-gate/app"
	"github.com/andrewreder/x402-gate/config"
	"github.com/andrewreder/x402-gate/facilitator"
	httpapi "github.com/andrewreder/x402-gate/http-api"
	"github.com/andrewreder/x402-gate/mcp"
	"github.com/andrewreder/x402-gate/x402"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log := app.Logger(cfg.App.LogLevel)
	defer func() { _ = log.Sync() }()

	rules, err := cfg.Rules()
	if err != nil {
		log.Fatal("price table", zap.Error(err))
	}
	policy, err := x402.NewPolicy(rules, nil)
	if err != nil {
		log.Fatal("policy", zap.Error(err))
	}

	fc := facilitator.NewClient(facilitator.Config{
		URL:          facilitator.ResolveURL(cfg.Facilitator.URL, cfg.Facilitator.CDPKeyID, config.DefaultFacilitatorURL),
		Timeout:      cfg.Facilitator.Timeout,
		AuthProvider: facilitator.AuthFromCredentials(cfg.Facilitator.CDPKeyID, cfg.Facilitator.CDPKeySecret, cfg.Facilitator.APIKey),
		SupportedTTL: cfg.Facilitator.SupportedTTL,
		Logger:       log.Named("facilitator"),
	})

	var guard *x402.ReplayGuard
	if cfg.Payments.ReplayGuardTTL > 0 {
		guard = x402.NewReplayGuard(cfg.Payments.ReplayGuardTTL)
	}
	verifier := x402.NewVerifier(fc, x402.VerifierConfig{
		VerifyTimeout: cfg.Facilitator.Timeout,
		ClockSkew:     cfg.Payments.ClockSkew,
		ReplayGuard:   guard,
		Logger:        log.Named("verifier"),
		IssuanceKey:   []byte(cfg.Payments.IssuanceSecret),
	})
	settler := x402.NewSettler(fc, cfg.Payments.SettlementMode, cfg.Payments.SettleTimeout, log.Named("settler"))

	checkFacilitator(fc, policy, log)

	mcpServer := mcp.NewServer(mcp.Config{
		Policy:  policy,
		BaseURL: cfg.API.BaseURL,
		Paywall: &mcp.Paywall{
			Policy:   policy,
			Verifier: verifier,
			Settler:  settler,
			Logger:   log.Named("mcp"),
		},
		Logger: log.Named("mcp"),
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Payments: httpapi.Payments{
			Policy:   policy,
			Verifier: verifier,
			Settler:  settler,
			BaseURL:  cfg.API.BaseURL,
		},
		MCP:    mcpServer.Handler(),
		Logger: log,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%v", cfg.API.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Starting resource server",
		zap.String("base_url", cfg.API.BaseURL),
		zap.String("settlement", string(settler.Mode())),
		zap.Bool("replay_guard", guard != nil),
		zap.Bool("issuance_binding", cfg.Payments.IssuanceSecret != ""))
	if err := app.Serve(context.Background(), srv, log, settler.Wait); err != nil {
		log.Error("server stopped", zap.Error(err))
	}
}

// checkFacilitator warns about advertised options the facilitator cannot handle. Those
// options fail closed at verification time.
func checkFacilitator(f x402.Facilitator, policy *x402.Policy, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	missing, err := x402.CheckSupported(ctx, f, policy)
	if err != nil {
		log.Warn("Could not list facilitator supported kinds", zap.Error(err))
		return
	}
	for _, k := range missing {
		log.Warn("Facilitator does not support advertised option",
			zap.String("scheme", string(k.Scheme)),
			zap.String("network", string(k.Network)))
	}
}
