package classifier

import (
	"encoding/gob"
	"fmt"

	"github.com/rs/zerolog/log"

	"cuppa/internal/dataio"
)

// Save writes the fitted classifier to path, gzip compressed when path ends in
// .gz. Attached metrics and caches are not saved.
func (c *Classifier) Save(path string) error {
	if !c.Fitted() {
		return fmt.Errorf("save classifier: not fitted")
	}
	w, err := dataio.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(w).Encode(c); err != nil {
		w.Close()
		return fmt.Errorf("encode classifier: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.Info().Str("path", path).Str("run_id", c.RunID).Msg("Saved classifier")
	return nil
}

// Load reads a classifier written by Save.
func Load(path string) (*Classifier, error) {
	r, err := dataio.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	c := &Classifier{}
	if err := gob.NewDecoder(r).Decode(c); err != nil {
		return nil, fmt.Errorf("decode classifier %s: %w", path, err)
	}
	if !c.Fitted() {
		return nil, fmt.Errorf("classifier %s is not fitted", path)
	}
	log.Info().
		Str("path", path).
		Str("run_id", c.RunID).
		Int("n_classes", len(c.Classes)).
		Msg("Loaded classifier")
	return c, nil
}
