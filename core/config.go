package core

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config is the construction-time input of a Coordinator.
type Config struct {
	// Providers in resolution order. The first provider whose deferred flow
	// completed wins at Start.
	Providers []Registration

	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger

	// Events receives session lifecycle events. Optional.
	Events AuthEventLogger
}

func (c Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("socialauth: at least one provider is required")
	}
	seen := make(map[ProviderID]struct{}, len(c.Providers))
	for i, reg := range c.Providers {
		if strings.TrimSpace(string(reg.ID)) == "" {
			return fmt.Errorf("socialauth: provider #%d has an empty id", i)
		}
		if reg.Adapter == nil {
			return fmt.Errorf("socialauth: provider %q has no adapter", reg.ID)
		}
		if _, dup := seen[reg.ID]; dup {
			return fmt.Errorf("socialauth: provider %q registered twice", reg.ID)
		}
		seen[reg.ID] = struct{}{}
	}
	return nil
}
