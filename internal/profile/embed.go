package profile

import (
	"embed"
	"fmt"
)

//go:embed builtin.yaml
var builtinFS embed.FS

// LoadBuiltin parses the module's embedded built-in profile table
// (coder, vision, docs, fast — spec §1's worked examples). Deployments
// that need a different table can still call LoadBuiltinYAML directly
// with their own bytes.
func LoadBuiltin() (Table, error) {
	data, err := builtinFS.ReadFile("builtin.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading embedded built-in profile table: %w", err)
	}
	return LoadBuiltinYAML(data)
}
