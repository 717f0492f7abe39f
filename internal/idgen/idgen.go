package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique identifiers, optionally namespaced with a short
// prefix ("pay", "txn").
type Generator interface {
	Generate(prefix string) string
}

type uuidGenerator struct{}

// New returns a UUID-backed Generator.
func New() Generator {
	return uuidGenerator{}
}

func (uuidGenerator) Generate(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
