package main

import (
	"context"
	"fmt"

	"github.com/storacha/queuepump/internal/config"
	"github.com/storacha/queuepump/internal/credcache"
	"github.com/storacha/queuepump/internal/sas"
)

// newTokenSource returns cached tokens for the configured identity. The
// returned func releases the token store.
func newTokenSource(ctx context.Context, cfg *config.Config) (credcache.TokenSource, func(), error) {
	signer, err := sas.NewKeySigner(cfg.PolicyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("creating signer: %w", err)
	}

	var opts []credcache.Option
	closeStore := func() {}

	if cfg.RedisURL != "" {
		store, err := credcache.DialRedis(ctx, cfg.RedisURL, credcache.DefaultRedisPrefix)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to token store: %w", err)
		}
		opts = append(opts, credcache.WithStore(store))
		closeStore = func() {
			if err := store.Close(); err != nil {
				log.Warnf("Closing token store: %v", err)
			}
		}
	}

	id := sas.Identity{ServiceURL: cfg.ServiceURL, PolicyName: cfg.PolicyName}
	source := credcache.New(opts...).Source(id, signer,
		credcache.WithValidity(cfg.TokenValidity),
		credcache.WithRefreshWindow(cfg.TokenRefreshWindow),
	)

	return source, closeStore, nil
}
