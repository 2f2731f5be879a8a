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

// settingCheck is one entry of the server configuration checklist
type settingCheck struct {
	name     string
	severity finding.Status
	expect   func(value string) bool
	want     string
}

// settingChecks is the audited subset of pg_settings. Every entry produces
// one observation per target, so the checklist order is the sheet order
var settingChecks = []settingCheck{
	{"ssl", finding.StatusFail, equals("on"), "on"},
	{"fsync", finding.StatusFail, equals("on"), "on"},
	{"password_encryption", finding.StatusFail, equals("scram-sha-256"), "scram-sha-256"},
	{"log_connections", finding.StatusWarn, equals("on"), "on"},
	{"log_disconnections", finding.StatusWarn, equals("on"), "on"},
	{"log_statement", finding.StatusWarn, oneOf("ddl", "mod", "all"), "ddl, mod or all"},
	{"listen_addresses", finding.StatusWarn, notValue("*"), "an explicit address list"},
	{"shared_preload_libraries", finding.StatusWarn, contains("pg_stat_statements"), "pg_stat_statements loaded"},
}

func equals(want string) func(string) bool {
	return func(v string) bool { return v == want }
}

func oneOf(wants ...string) func(string) bool {
	return func(v string) bool {
		for _, w := range wants {
			if v == w {
				return true
			}
		}
		return false
	}
}

func notValue(bad string) func(string) bool {
	return func(v string) bool { return v != bad }
}

func contains(want string) func(string) bool {
	return func(v string) bool {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == want {
				return true
			}
		}
		return false
	}
}

// SettingCollector audits server configuration parameters
type SettingCollector struct {
	log *logger.Logger
}

// NewSettingCollector creates a collector for the settings kind
func NewSettingCollector(log *logger.Logger) *SettingCollector {
	return &SettingCollector{log: log}
}

// Kind returns the entity kind this collector audits
func (c *SettingCollector) Kind() entity.Kind {
	return entity.KindSetting
}

// Collect reads the audited parameters from a target and grades each one
func (c *SettingCollector) Collect(ctx context.Context, target config.Target) ([]finding.Observation, error) {
	db, err := open(ctx, target)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	names := make([]string, len(settingChecks))
	for i, check := range settingChecks {
		names[i] = check.name
	}

	rows, err := db.QueryContext(ctx,
		`SELECT name, setting FROM pg_settings WHERE name = ANY($1)`,
		pq.Array(names))
	if err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}
	defer rows.Close()

	values := make(map[string]string, len(names))
	for rows.Next() {
		var name, setting string
		if err := rows.Scan(&name, &setting); err != nil {
			return nil, errors.Internal("scanning setting row", err)
		}
		values[name] = setting
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Unreachable(target.Name, err)
	}

	observations := make([]finding.Observation, 0, len(settingChecks))
	for _, check := range settingChecks {
		obs := finding.Observation{
			Kind:   entity.KindSetting,
			Target: target.Name,
			Name:   check.name,
			Status: finding.StatusPass,
		}

		value, seen := values[check.name]
		switch {
		case !seen:
			obs.Status = finding.StatusWarn
			obs.Detail = "setting not reported by server"
		case check.expect(value):
			obs.Detail = fmt.Sprintf("%s = %s", check.name, value)
		default:
			obs.Status = check.severity
			obs.Detail = fmt.Sprintf("%s = %s, want %s", check.name, value, check.want)
		}

		observations = append(observations, obs)
	}

	c.log.WithTarget(target.Name).Debugf("collected %d settings", len(observations))
	return observations, nil
}
