package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
)

// loginQuery lists every non-system role with the attributes the checks read
const loginQuery = `
SELECT rolname,
       rolsuper,
       rolcreaterole,
       rolcreatedb,
       rolcanlogin,
       rolreplication,
       rolbypassrls,
       rolvaliduntil IS NULL AS no_expiry
FROM pg_roles
WHERE rolname !~ '^pg_'
ORDER BY rolname`

// LoginCollector audits database roles
type LoginCollector struct {
	log *logger.Logger
}

// NewLoginCollector creates a collector for the logins kind
func NewLoginCollector(log *logger.Logger) *LoginCollector {
	return &LoginCollector{log: log}
}

// Kind returns the entity kind this collector audits
func (c *LoginCollector) Kind() entity.Kind {
	return entity.KindLogin
}

// Collect scans a target's roles and grades each one
func (c *LoginCollector) Collect(ctx context.Context, target config.Target) ([]finding.Observation, error) {
	db, err := open(ctx, target)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, loginQuery)
	if err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}
	defer rows.Close()

	var observations []finding.Observation
	for rows.Next() {
		var name string
		var super, createRole, createDB, canLogin, replication, bypassRLS, noExpiry bool
		if err := rows.Scan(&name, &super, &createRole, &createDB,
			&canLogin, &replication, &bypassRLS, &noExpiry); err != nil {
			return nil, errors.Internal("scanning role row", err)
		}
		observations = append(observations, gradeRole(target.Name, name,
			super, createRole, createDB, canLogin, replication, bypassRLS, noExpiry))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}

	c.log.WithTarget(target.Name).Debugf("collected %d roles", len(observations))
	return observations, nil
}

// gradeRole turns one role's attributes into an observation
func gradeRole(target, name string, super, createRole, createDB, canLogin, replication, bypassRLS, noExpiry bool) finding.Observation {
	var fails, warns []string

	if super && name != "postgres" {
		fails = append(fails, "role has superuser privileges")
	}
	if bypassRLS && !super {
		fails = append(fails, "role bypasses row level security")
	}
	if replication && name != "postgres" {
		warns = append(warns, "role has replication privileges")
	}
	if createRole && name != "postgres" {
		warns = append(warns, "role can create other roles")
	}
	if createDB && name != "postgres" {
		warns = append(warns, "role can create databases")
	}
	if canLogin && noExpiry {
		warns = append(warns, "login role has no password expiry")
	}

	obs := finding.Observation{
		Kind:   entity.KindLogin,
		Target: target,
		Name:   name,
		Status: finding.StatusPass,
		Detail: fmt.Sprintf("login=%t", canLogin),
	}

	switch {
	case len(fails) > 0:
		obs.Status = finding.StatusFail
		obs.Detail = strings.Join(append(fails, warns...), "; ")
	case len(warns) > 0:
		obs.Status = finding.StatusWarn
		obs.Detail = strings.Join(warns, "; ")
	}

	return obs
}
