// Package generator adapts clank to the external text-generation HTTP
// service: model catalog lookup, health probing, and the two generation
// calls the Processor drives triggers off.
package generator

import (
	"context"
	"errors"
	"time"
)

// Result discriminates a generation call's outcome without resorting
// to sentinel strings the caller has to compare.
type Result int

const (
	ResultOK Result = iota
	ResultUnavailable
	ResultInvalid
)

// ContextMessage is one line of rendered conversational context fed to
// a prompt template.
type ContextMessage struct {
	DisplayName string
	Content     string
}

// ErrNoDefaultModel is returned by ValidateStartupModel when the
// configured default model is absent from the catalog.
var ErrNoDefaultModel = errors.New("generator: configured default model not present in catalog")

// Client is the Generator Client contract (spec.md §4.C).
type Client interface {
	ListModels(ctx context.Context) ([]string, error)
	IsAvailable(ctx context.Context) bool
	GenerateSpontaneous(ctx context.Context, model string, recent []ContextMessage, charLimit int) (string, Result)
	GenerateResponse(ctx context.Context, model string, recent []ContextMessage, userName, userText string, charLimit int) (string, Result)
	ValidateStartupModel(ctx context.Context, defaultModel string) error
	Close() error
}

// catalogTTL is the small interval the model catalog stays cached for
// before a ListModels call refreshes it (spec.md §4.C: "about 5 minutes").
const catalogTTL = 5 * time.Minute
