package compiler

import (
	"context"
	"fmt"

	"github.com/penflow/penflow/pkg/models"
)

// Artifact identifies a rendered document produced by the external
// document compiler.
type Artifact struct {
	Ref string `json:"ref"`
}

// CompileError is a typed failure from the compiler collaborator. It never
// reopens a completed run; the engine reports it separately from run status.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed: %s", e.Reason)
}

// Compiler renders the final structured content and media references into a
// printable artifact. It is an external collaborator; the engine calls it
// fire-and-forget after a run completes.
type Compiler interface {
	Compile(ctx context.Context, content models.CompilationOutput) (Artifact, error)
}

// NoopCompiler accepts every handoff without rendering anything. It keeps
// the engine runnable when no compiler service is configured.
type NoopCompiler struct{}

func (NoopCompiler) Compile(ctx context.Context, content models.CompilationOutput) (Artifact, error) {
	return Artifact{Ref: "noop://" + content.Title}, nil
}
