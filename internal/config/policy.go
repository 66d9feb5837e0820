package config

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"brainloop/internal/policy"
)

// LoadPolicy reads a policy file. An empty path returns the built-in policy.
func LoadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.Default(), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return decodePolicy(v)
}

func decodePolicy(v *viper.Viper) (*policy.Policy, error) {
	var p policy.Policy
	if err := v.Unmarshal(&p, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// WatchPolicy reloads path on every write and swaps the whole policy into
// holder. Invalid files are logged and the current policy stays in place.
func WatchPolicy(ctx context.Context, path string, holder *policy.Holder, logger zerolog.Logger) error {
	if path == "" {
		return fmt.Errorf("policy.watch requires policy.file")
	}
	log := logger.With().Str("component", "policy_watcher").Str("file", path).Logger()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read policy: %w", err)
	}

	v.OnConfigChange(func(ev fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		next, err := decodePolicy(v)
		if err != nil {
			log.Error().Err(err).Msg("policy reload rejected")
			return
		}
		prev, err := holder.Replace(next)
		if err != nil {
			log.Error().Err(err).Msg("policy reload rejected")
			return
		}
		log.Info().Str("previous_version", prev.Version).Str("version", next.Version).Msg("policy reloaded")
	})
	v.WatchConfig()
	log.Info().Msg("watching policy file")
	return nil
}
