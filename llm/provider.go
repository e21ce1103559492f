package llm

import (
	"context"
	"errors"

	"github.com/worldloom/genflow/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	StructuredOutput bool
	Batch            bool
}

// Provider is the external generation capability. Concrete adapters live in
// providers/ and are interchangeable behind this interface.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	IsConfigured() bool
	Generate(ctx context.Context, req types.Request) (types.Result, error)
	GenerateBatch(ctx context.Context, req types.Request) (types.BatchResult, error)
}
