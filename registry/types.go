// Package registry provides versioned function metadata and code storage
// backed by NATS JetStream key-value buckets. Payloads are transparently
// compressed above a size threshold and chunked above 25 MiB.
package registry

import (
	"time"
)

// FunctionType identifies which execution tier a function targets.
type FunctionType string

const (
	TypeCode       FunctionType = "code"
	TypeGenerative FunctionType = "generative"
	TypeAgentic    FunctionType = "agentic"
	TypeHuman      FunctionType = "human"
)

// ValidTypes lists the closed set of function types.
var ValidTypes = []FunctionType{TypeCode, TypeGenerative, TypeAgentic, TypeHuman}

// IsValidType reports whether t names a known function type.
func IsValidType(t FunctionType) bool {
	switch t {
	case TypeCode, TypeGenerative, TypeAgentic, TypeHuman:
		return true
	}
	return false
}

// Derivative identifies a transformed copy of source code stored alongside
// the original.
type Derivative string

const (
	// DerivativeSource is the original source text (the default, empty suffix).
	DerivativeSource Derivative = ""
	// DerivativeCompiled is a pre-compiled artifact.
	DerivativeCompiled Derivative = "compiled"
	// DerivativeSourceMap is a source map for a compiled artifact.
	DerivativeSourceMap Derivative = "map"
	// DerivativeWASM is a WASM binary, stored in its own bucket.
	DerivativeWASM Derivative = "wasm"
)

// Metadata describes a deployed function. CreatedAt is immutable once
// written; updates refresh UpdatedAt only.
type Metadata struct {
	ID           string            `json:"id"`
	Version      string            `json:"version"`
	Type         FunctionType      `json:"type,omitempty"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Language     string            `json:"language,omitempty"`
	EntryPoint   string            `json:"entryPoint,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	InputSchema  map[string]any    `json:"inputSchema,omitempty"`
	OutputSchema map[string]any    `json:"outputSchema,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Permissions  []string          `json:"permissions,omitempty"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	UserPrompt   string            `json:"userPrompt,omitempty"`
	Goal         string            `json:"goal,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// DeploymentRecord is one entry in a function's append-only deployment
// history. Rollbacks append a synthetic record rather than rewriting.
type DeploymentRecord struct {
	Version    string    `json:"version"`
	DeployedAt time.Time `json:"deployedAt"`
	Rollback   bool      `json:"rollback,omitempty"`
}

// VersionListing pairs a function's version set with its latest pointer.
type VersionListing struct {
	Versions []string `json:"versions"`
	Latest   string   `json:"latest"`
}

// FallbackResult reports which version actually served a fallback read.
type FallbackResult struct {
	Code          string `json:"code"`
	ServedVersion string `json:"servedVersion"`
	FallbackUsed  bool   `json:"fallbackUsed"`
}

// ChunkMeta records how a large payload was split.
type ChunkMeta struct {
	TotalChunks int   `json:"totalChunks"`
	TotalSize   int64 `json:"totalSize"`
	ChunkSize   int64 `json:"chunkSize"`
}

// ListPage is one page of a metadata listing.
type ListPage struct {
	Functions  []*Metadata `json:"functions"`
	NextCursor string      `json:"nextCursor,omitempty"`
}
