package moderation

import (
	"context"
	"time"

	"github.com/benvon/picklepal/internal/logger"
	"github.com/benvon/picklepal/internal/models"
	"go.uber.org/zap"
)

// LimitsSource provides the stored gateway limits; nil, nil means none are stored
type LimitsSource interface {
	Get(ctx context.Context) (*models.GatewayLimits, error)
}

// LimitsReloader keeps a Gateway's quotas in sync with the stored configuration
type LimitsReloader struct {
	gateway  *Gateway
	source   LimitsSource
	defaults Limits
	interval time.Duration
	logger   *zap.Logger
}

// NewLimitsReloader creates a reloader. defaults apply when nothing is stored or the
// source fails on the first load.
func NewLimitsReloader(g *Gateway, source LimitsSource, defaults Limits, interval time.Duration, log *zap.Logger) *LimitsReloader {
	return &LimitsReloader{
		gateway:  g,
		source:   source,
		defaults: withDefaults(defaults),
		interval: interval,
		logger:   logger.Component(log, "limits_reloader"),
	}
}

// Load applies the stored limits once
func (r *LimitsReloader) Load(ctx context.Context) {
	stored, err := r.source.Get(ctx)
	if err != nil {
		r.logger.Warn("failed_to_load_gateway_limits_keeping_current", zap.Error(err))
		return
	}
	if stored == nil {
		r.gateway.SetLimits(r.defaults)
		return
	}
	r.gateway.SetLimits(FromModel(stored))
}

// Start reloads every interval until ctx is cancelled
func (r *LimitsReloader) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Load(ctx)
		}
	}
}

// FromModel converts stored limits
func FromModel(m *models.GatewayLimits) Limits {
	return withDefaults(Limits{
		PerMinute: m.PerMinute,
		PerDay:    m.PerDay,
		Cooldown:  time.Duration(m.CooldownSeconds) * time.Second,
	})
}
