package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/servaudit/servaudit/internal/pkg/validator"
)

// Target describes one audited PostgreSQL server. Name is the stable label
// entities carry; renaming a target retires every identity scoped to it
type Target struct {
	Name     string `yaml:"name" validate:"required"`
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"gte=1,lte=65535"`
	Database string `yaml:"database"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	// PasswordEnv names an environment variable holding the password, so the
	// inventory file can stay free of secrets
	PasswordEnv string `yaml:"password_env"`
	SSLMode     string `yaml:"sslmode" validate:"oneof=disable require verify-ca verify-full"`
}

// DSN renders the lib/pq connection string for the target
func (t Target) DSN() string {
	password := t.Password
	if t.PasswordEnv != "" {
		password = os.Getenv(t.PasswordEnv)
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=%s",
		t.Host, t.Port, t.Database, t.User, t.SSLMode)
	if password != "" {
		dsn += fmt.Sprintf(" password=%s", password)
	}
	return dsn
}

// targetsFile is the on-disk shape of the server inventory
type targetsFile struct {
	Targets []Target `yaml:"targets" validate:"required,min=1,dive"`
}

// LoadTargets reads and validates the server inventory
func LoadTargets(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading targets file: %w", err)
	}

	var file targetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing targets file %s: %w", path, err)
	}

	// Fill defaults before validation so the tags check final values
	for i := range file.Targets {
		if file.Targets[i].Port == 0 {
			file.Targets[i].Port = 5432
		}
		if file.Targets[i].Database == "" {
			file.Targets[i].Database = "postgres"
		}
		if file.Targets[i].SSLMode == "" {
			file.Targets[i].SSLMode = "disable"
		}
	}

	if errs := validator.Validate(file); len(errs) > 0 {
		return nil, fmt.Errorf("invalid targets file %s: %s", path, errs[0].Message)
	}

	seen := make(map[string]bool, len(file.Targets))
	for _, t := range file.Targets {
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate target name %q in %s", t.Name, path)
		}
		seen[t.Name] = true
	}

	return file.Targets, nil
}
