//go:build wireinject
// +build wireinject

package app

import (
	"context"

	"github.com/google/wire"

	"quantcore/internal/config"
)

func buildAppWithWire(ctx context.Context, cfg *config.Manager, opts []AppBuilderOption) (*App, error) {
	wire.Build(provideAppBuilder, provideAppFromBuilder)
	return nil, nil
}

func provideAppBuilder(cfg *config.Manager, opts []AppBuilderOption) *AppBuilder {
	return NewAppBuilder(cfg, opts...)
}

func provideAppFromBuilder(ctx context.Context, b *AppBuilder) (*App, error) {
	return b.Build(ctx)
}
