package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/servaudit/servaudit/internal/config"
	"github.com/servaudit/servaudit/internal/domain/entity"
	"github.com/servaudit/servaudit/internal/domain/finding"
	"github.com/servaudit/servaudit/internal/pkg/errors"
	"github.com/servaudit/servaudit/internal/pkg/logger"
)

const foreignServerQuery = `
SELECT s.srvname,
       f.fdwname,
       r.rolname,
       r.rolsuper,
       COALESCE(s.srvoptions, '{}')
FROM pg_foreign_server s
JOIN pg_foreign_data_wrapper f ON f.oid = s.srvfdw
JOIN pg_roles r ON r.oid = s.srvowner
ORDER BY s.srvname`

const userMappingQuery = `
SELECT srvname,
       COALESCE(usename, 'public'),
       COALESCE(umoptions, '{}')
FROM pg_user_mappings
ORDER BY srvname, usename`

// ForeignServerCollector audits foreign data wrapper servers and their user
// mappings
type ForeignServerCollector struct {
	log *logger.Logger
}

// NewForeignServerCollector creates a collector for the foreign-servers kind
func NewForeignServerCollector(log *logger.Logger) *ForeignServerCollector {
	return &ForeignServerCollector{log: log}
}

// Kind returns the entity kind this collector audits
func (c *ForeignServerCollector) Kind() entity.Kind {
	return entity.KindForeignServer
}

// Collect scans a target's foreign servers and user mappings. Servers are
// scoped by wrapper name, mappings by server name, so the two never collide
func (c *ForeignServerCollector) Collect(ctx context.Context, target config.Target) ([]finding.Observation, error) {
	db, err := open(ctx, target)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var observations []finding.Observation

	rows, err := db.QueryContext(ctx, foreignServerQuery)
	if err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var srvname, fdwname, owner string
		var ownerSuper bool
		var options []string
		if err := rows.Scan(&srvname, &fdwname, &owner, &ownerSuper, pq.Array(&options)); err != nil {
			return nil, errors.Internal("scanning foreign server row", err)
		}
		observations = append(observations, gradeForeignServer(target.Name, srvname, fdwname, owner, ownerSuper, options))
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}

	mappings, err := db.QueryContext(ctx, userMappingQuery)
	if err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}
	defer mappings.Close()

	for mappings.Next() {
		var srvname, usename string
		var options []string
		if err := mappings.Scan(&srvname, &usename, pq.Array(&options)); err != nil {
			return nil, errors.Internal("scanning user mapping row", err)
		}
		observations = append(observations, gradeUserMapping(target.Name, srvname, usename, options))
	}
	if err := mappings.Err(); err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}

	c.log.WithTarget(target.Name).Debugf("collected %d foreign server entities", len(observations))
	return observations, nil
}

// gradeForeignServer checks a server definition for weak transport options
func gradeForeignServer(target, srvname, fdwname, owner string, ownerSuper bool, options []string) finding.Observation {
	opts := optionMap(options)

	var warns []string
	if ownerSuper && owner != "postgres" {
		warns = append(warns, fmt.Sprintf("owned by superuser %s", owner))
	}
	if fdwname == "postgres_fdw" {
		if mode, ok := opts["sslmode"]; !ok || mode == "disable" || mode == "allow" {
			warns = append(warns, "connection does not require TLS")
		}
	}

	obs := finding.Observation{
		Kind:   entity.KindForeignServer,
		Target: target,
		Scope:  fdwname,
		Name:   srvname,
		Status: finding.StatusPass,
		Detail: fmt.Sprintf("owner=%s", owner),
	}
	if len(warns) > 0 {
		obs.Status = finding.StatusWarn
		obs.Detail = strings.Join(warns, "; ")
	}
	return obs
}

// gradeUserMapping flags credentials stored inside a mapping definition
func gradeUserMapping(target, srvname, usename string, options []string) finding.Observation {
	opts := optionMap(options)

	obs := finding.Observation{
		Kind:   entity.KindForeignServer,
		Target: target,
		Scope:  srvname,
		Name:   "mapping:" + usename,
		Status: finding.StatusPass,
		Detail: fmt.Sprintf("maps %s on %s", usename, srvname),
	}
	if _, ok := opts["password"]; ok {
		obs.Status = finding.StatusFail
		obs.Detail = "user mapping stores a plaintext password"
	}
	return obs
}

// optionMap splits key=value FDW options into a lookup table
func optionMap(options []string) map[string]string {
	m := make(map[string]string, len(options))
	for _, opt := range options {
		parts := strings.SplitN(opt, "=", 2)
		if len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}
