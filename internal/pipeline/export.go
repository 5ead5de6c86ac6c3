package pipeline

import (
	"encoding/json"
	"io"
)

// Exporter renders finalized rows for downstream consumers. Formatting
// beyond JSON lives outside this module; implementations receive the
// snapshot in stable ASCII order.
type Exporter interface {
	Export(w io.Writer, rows []Row) error
}

// JSONExporter writes the snapshot as indented JSON.
type JSONExporter struct{}

func (JSONExporter) Export(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}
