package hook

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reloader periodically merges the three configuration tiers described in §4.6 — "dynamic configuration in the
// store, then central key-value configuration, then local configuration file" — and pushes the merged snapshot
// into an Engine via Reload. Precedence is highest-first: a hook name defined in the store always wins over the
// same name defined in the central config or the local file.
type Reloader struct {
	engine *Engine
	file   Source
	kv     Source
	store  Source
	log    zerolog.Logger
}

// NewReloader creates a Reloader. Any tier may be nil, in which case it contributes nothing.
func NewReloader(engine *Engine, file, kv, store Source, logger zerolog.Logger) *Reloader {
	return &Reloader{engine: engine, file: file, kv: kv, store: store, log: logger}
}

// LoadOnce merges the three tiers and applies the result to the engine immediately, without waiting for the
// next tick. Call this once at startup before Run so the engine is never empty during the first reload interval.
func (r *Reloader) LoadOnce(ctx context.Context) error {
	merged, err := r.merge(ctx)
	if err != nil {
		return err
	}
	r.engine.Reload(merged)
	return nil
}

// Run reloads on a fixed interval until ctx is cancelled. A failed reload is logged and the previous snapshot
// stays in effect; it never blocks the caller or panics.
func (r *Reloader) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			merged, err := r.merge(ctx)
			if err != nil {
				r.log.Error().Err(err).Msg("hook config reload failed, keeping previous snapshot")
				continue
			}
			r.engine.Reload(merged)
		}
	}
}

func (r *Reloader) merge(ctx context.Context) ([]Config, error) {
	byName := make(map[string]Config)

	if r.file != nil {
		file, err := r.file.Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range file {
			byName[c.Name] = c
		}
	}

	if r.kv != nil {
		kv, err := r.kv.Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range kv {
			byName[c.Name] = c
		}
	}

	if r.store != nil {
		store, err := r.store.Load(ctx)
		if err != nil {
			return nil, err
		}
		for _, c := range store {
			byName[c.Name] = c
		}
	}

	configs := make([]Config, 0, len(byName))
	for _, c := range byName {
		configs = append(configs, c)
	}
	return configs, nil
}
