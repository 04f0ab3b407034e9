// Package messages holds the user-facing text catalog. Texts live in an
// embedded CSV so wording changes never touch code.
package messages

import (
	_ "embed"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strings"
)

//go:embed messages.csv
var catalogCSV string

// Catalog resolves message keys to formatted Portuguese texts.
type Catalog struct {
	templates map[string]string
}

// Load parses the embedded CSV catalog.
func Load() (*Catalog, error) {
	return parse(catalogCSV)
}

func parse(raw string) (*Catalog, error) {
	reader := csv.NewReader(strings.NewReader(raw))
	reader.FieldsPerRecord = 2
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse message catalog: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("message catalog is empty")
	}

	templates := make(map[string]string, len(records)-1)
	for _, record := range records[1:] { // skip header
		templates[record[0]] = record[1]
	}
	slog.Debug("Catalog loaded", "messages", len(templates))
	return &Catalog{templates: templates}, nil
}

// Get returns the text for key with {placeholder} substitutions applied and
// literal \n sequences turned into line breaks. args are alternating
// placeholder names and values. A missing key yields a visible marker rather
// than an empty reply.
func (c *Catalog) Get(key string, args ...string) string {
	template, ok := c.templates[key]
	if !ok {
		slog.Warn("Catalog.Get: unknown message key", "key", key)
		return fmt.Sprintf("AVISO: Chave '%s' não encontrada.", key)
	}
	for i := 0; i+1 < len(args); i += 2 {
		template = strings.ReplaceAll(template, "{"+args[i]+"}", args[i+1])
	}
	return strings.ReplaceAll(template, `\n`, "\n")
}

// Has reports whether the catalog carries the key.
func (c *Catalog) Has(key string) bool {
	_, ok := c.templates[key]
	return ok
}
