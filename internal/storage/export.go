package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"plugsched/internal/apperr"
)

// Export writes every definition, run bookkeeping included, as a JSON array.
func Export(ctx context.Context, st Store, w io.Writer) (int, error) {
	defs, err := st.List(ctx)
	if err != nil {
		return 0, err
	}
	if defs == nil {
		defs = []TaskDefinition{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(defs); err != nil {
		return 0, fmt.Errorf("export: %w", err)
	}
	return len(defs), nil
}

// Import reads a JSON array produced by Export and stores every row.
// Rows are validated before anything is written.
func Import(ctx context.Context, st Store, r io.Reader) (int, error) {
	var defs []TaskDefinition
	if err := json.NewDecoder(r).Decode(&defs); err != nil {
		return 0, apperr.New(apperr.Configuration, "storage.import", err)
	}
	seen := make(map[string]struct{}, len(defs))
	for i := range defs {
		defs[i].Normalize()
		if err := defs[i].Validate(); err != nil {
			return 0, fmt.Errorf("import row %d: %w", i, err)
		}
		if _, dup := seen[defs[i].ID]; dup {
			return 0, apperr.Newf(apperr.Configuration, "storage.import", "duplicate id %q", defs[i].ID)
		}
		seen[defs[i].ID] = struct{}{}
	}
	for i, d := range defs {
		if err := st.Put(ctx, d); err != nil {
			return i, err
		}
	}
	return len(defs), nil
}
