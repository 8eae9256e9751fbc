package tools

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vinayprograms/orchestrator/internal/config"
	"github.com/vinayprograms/orchestrator/internal/governance"
	"github.com/vinayprograms/orchestrator/internal/llm"
	"github.com/vinayprograms/orchestrator/internal/secexec"
	"github.com/vinayprograms/orchestrator/internal/validator"
)

// ModelLister lists the models a backend can serve.
type ModelLister interface {
	ListModels(ctx context.Context) ([]llm.ModelInfo, error)
}

// Deps are the collaborators the built-in tools run against.
type Deps struct {
	Workspace   *validator.Workspace
	Executor    *secexec.Executor
	Governance  *governance.Manager
	Models      ModelLister
	HTTPClient  *http.Client // nil builds a client that refuses private addresses
	AllowWrite  bool
	SearchBases []string // Extra roots for search_directory; the workspace is always allowed
	QA          config.QAConfig
	QATimeout   time.Duration // 0 uses the executor default
	DefaultRole secexec.Role
	Runbooks    *Runbooks // nil serves DefaultRunbooks
}

// DepsFromConfig fills the config-derived fields of Deps.
func DepsFromConfig(cfg *config.Config) Deps {
	role, err := secexec.ParseRole(cfg.Executor.DefaultRole)
	if err != nil {
		role = secexec.RoleOperator
	}
	return Deps{
		AllowWrite:  cfg.Workspace.AllowWrite,
		SearchBases: cfg.Workspace.SearchBases,
		QA:          cfg.QA,
		QATimeout:   2 * cfg.CommandTimeout(),
		DefaultRole: role,
	}
}

// RegisterBuiltins registers every built-in tool whose dependencies are present.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if deps.Workspace == nil {
		return fmt.Errorf("builtins: workspace is required")
	}
	var list []Tool
	list = append(list, fileTools(deps)...)
	list = append(list, systemTools(deps)...)
	list = append(list, newHTTPTool(deps.HTTPClient))
	book := deps.Runbooks
	if book == nil {
		book = DefaultRunbooks()
	}
	list = append(list, runbookTools(book)...)
	if deps.Executor != nil {
		list = append(list, commandTools(deps)...)
		list = append(list, qaTools(deps)...)
	}
	if deps.Governance != nil {
		list = append(list, governanceTools(deps.Governance)...)
	}
	for _, t := range list {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
