// Package secrets resolves callback secret references to shared HMAC keys.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/JakeFAU/scrapeq/internal/jobs"
)

const envPrefix = "env:"

// Resolver looks references up in a static table loaded from config. A
// reference of the form "env:NAME" reads the NAME environment variable.
type Resolver struct {
	static map[string]string
	lookup func(string) (string, bool)
}

// New builds a Resolver over the configured table.
func New(static map[string]string) *Resolver {
	table := make(map[string]string, len(static))
	for k, v := range static {
		table[k] = v
	}
	return &Resolver{static: table, lookup: os.LookupEnv}
}

// Resolve implements jobs.SecretResolver.
func (r *Resolver) Resolve(_ context.Context, ref string) ([]byte, error) {
	if name, ok := strings.CutPrefix(ref, envPrefix); ok {
		if v, found := r.lookup(name); found && v != "" {
			return []byte(v), nil
		}
		return nil, fmt.Errorf("secret %q: %w", ref, jobs.ErrSecretNotFound)
	}
	if v, ok := r.static[ref]; ok && v != "" {
		return []byte(v), nil
	}
	return nil, fmt.Errorf("secret %q: %w", ref, jobs.ErrSecretNotFound)
}
