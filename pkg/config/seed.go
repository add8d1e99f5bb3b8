package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"signal-core/pkg/db"
)

// Seed is the optional first-start content of the store.
type Seed struct {
	Preferences    db.Preferences `yaml:"preferences"`
	HasPreferences bool           `yaml:"-"`
	Whitelist      []string       `yaml:"whitelist"`
}

// SeedStore is the part of the store a seed writes to.
type SeedStore interface {
	HasPreferences(ctx context.Context) (bool, error)
	SavePreferences(ctx context.Context, p db.Preferences) error
	ListWhitelist(ctx context.Context) ([]string, error)
	ReplaceWhitelist(ctx context.Context, names []string) error
}

// LoadSeed reads a YAML seed file. Preference keys missing from the file keep
// their defaults.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseSeed(data)
}

func parseSeed(data []byte) (*Seed, error) {
	seed := &Seed{Preferences: db.DefaultPreferences()}
	if err := yaml.Unmarshal(data, seed); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	_, seed.HasPreferences = raw["preferences"]
	return seed, nil
}

// ApplySeed writes seed content that the store does not have yet. Saved
// preferences and a non-empty whitelist are never overwritten.
func ApplySeed(ctx context.Context, store SeedStore, seed *Seed) error {
	if seed == nil {
		return nil
	}
	if seed.HasPreferences {
		has, err := store.HasPreferences(ctx)
		if err != nil {
			return err
		}
		if !has {
			if err := store.SavePreferences(ctx, seed.Preferences); err != nil {
				return fmt.Errorf("seed preferences: %w", err)
			}
		}
	}
	if len(seed.Whitelist) > 0 {
		existing, err := store.ListWhitelist(ctx)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			if err := store.ReplaceWhitelist(ctx, seed.Whitelist); err != nil {
				return fmt.Errorf("seed whitelist: %w", err)
			}
		}
	}
	return nil
}
