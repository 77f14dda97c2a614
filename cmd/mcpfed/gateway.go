package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mcpfed/pkg/auth"
	"mcpfed/pkg/config"
	"mcpfed/pkg/federation"
	"mcpfed/pkg/transport"
	"mcpfed/pkg/types"
)

type gateway struct {
	issuer  *auth.JWTIssuer
	manager *federation.Manager
	metrics *federation.Metrics
	retry   federation.RetryPolicy
}

// newGateway wires the token issuer, transports and manager from cfg.
func newGateway(cfg *config.Config, registry prometheus.Registerer, logger *zap.Logger) (*gateway, error) {
	issuer, err := auth.NewJWTIssuer(cfg.AuthConfig())
	if err != nil {
		return nil, fmt.Errorf("token issuer: %w", err)
	}

	tlsConfig, err := cfg.TLS.BuildClientConfig()
	if err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}

	oauth := &auth.OAuth2Source{}
	if tlsConfig != nil {
		oauth.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: tlsConfig}}
	}

	validator, err := federation.ValidatorFor(cfg.Validation)
	if err != nil {
		return nil, err
	}

	mux := transport.NewDefaultMux(transport.Options{
		TLSConfig: tlsConfig,
		Logger:    logger.Named("transport"),
		OnNotification: func(n transport.Notification) {
			logger.Debug("Peer notification",
				zap.String("endpoint", n.Endpoint),
				zap.String("method", n.Method))
		},
	})

	metrics := federation.NewMetrics(registry)
	manager := federation.NewManager(auth.NewBroker(issuer, oauth), mux, federation.Options{
		ConnectTimeout: cfg.ConnectTimeout.Std(),
		QueryTimeout:   cfg.QueryTimeout.Std(),
		Validator:      validator,
		Metrics:        metrics,
		Logger:         logger.Named("federation"),
		ClientInfo:     types.ServerInfo{Name: cfg.ClientName, Version: version},
	})

	return &gateway{issuer: issuer, manager: manager, metrics: metrics, retry: cfg.RetryPolicy()}, nil
}

// connectAll registers every peer concurrently, retrying transient failures
// per g.retry, and waits for all of them. Failures are logged and counted.
func (g *gateway) connectAll(ctx context.Context, peers []types.PeerConfig, logger *zap.Logger) int {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, peer := range peers {
		wg.Add(1)
		go func(peer types.PeerConfig) {
			defer wg.Done()
			start := time.Now()
			if err := federation.RegisterWithRetry(ctx, g.manager, peer, g.retry); err != nil {
				logger.Warn("Failed to connect to peer",
					zap.String("server_id", string(peer.ServerID)),
					zap.String("endpoint", peer.Endpoints.Control),
					zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			logger.Info("Connected to peer",
				zap.String("server_id", string(peer.ServerID)),
				zap.Duration("elapsed", time.Since(start)))
		}(peer)
	}
	wg.Wait()
	return failed
}
