package registry

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/model"
)

// LoadSourcesFromFile reads a JSON array of model.DataSource from the given path.
func LoadSourcesFromFile(path string) ([]model.DataSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read sources file")
	}

	var sources []model.DataSource
	if err := json.Unmarshal(data, &sources); err != nil {
		return nil, eris.Wrap(err, "registry: unmarshal sources file")
	}

	return sources, nil
}

// Seed creates every source that does not exist yet and returns how many
// were created. Existing ids are left untouched.
func (r *Registry) Seed(ctx context.Context, sources []model.DataSource) (int, error) {
	created := 0
	for i := range sources {
		src := sources[i]
		if src.ID != "" {
			if _, err := r.store.GetSource(ctx, src.ID); err == nil {
				continue
			} else if !apperr.Is(err, apperr.KindNotFound) {
				return created, err
			}
		}
		if err := r.CreateSource(ctx, &src); err != nil {
			return created, eris.Wrapf(err, "registry: seed source %q", src.Name)
		}
		created++
	}
	zap.L().Info("registry: seeded sources", zap.Int("created", created), zap.Int("total", len(sources)))
	return created, nil
}
