package orchestrator

import (
	"fmt"

	"chomp/internal/model"
)

// ApplyConfig builds a Collector for each ingester in ings via the
// matching family factory in fac, and registers every one with o. An
// ingester whose type has no factory is a bootstrap error — spec.md's
// resolved Open Question rejects unknown ingester_type tags rather than
// skipping them silently.
func ApplyConfig(o *Orchestrator, fac Factories, ings []model.Ingester, deps Deps) error {
	for _, ing := range ings {
		factory, ok := fac.Collectors[ing.IngesterType]
		if !ok {
			return fmt.Errorf("%w: %s (ingester %q)", ErrUnknownIngesterType, ing.IngesterType, ing.Name)
		}

		collector, err := factory(ing, deps)
		if err != nil {
			return fmt.Errorf("build collector for %q: %w", ing.Name, err)
		}

		if err := o.Register(ing, collector); err != nil {
			return fmt.Errorf("register %q: %w", ing.Name, err)
		}
	}
	return nil
}
