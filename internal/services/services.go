package services

import (
	"github.com/servaudit/servaudit/internal/domain/actionlog"
	"github.com/servaudit/servaudit/internal/domain/annotation"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/domain/run"
)

// Stores bundles the repositories one audit cycle reads and writes
type Stores struct {
	Runs        run.Repository
	Committer   run.Committer
	States      finding.Repository
	Annotations annotation.Repository
	Identities  entity.Repository
	Entries     actionlog.Repository
}
