package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/cherve/cherve/pkg/engine"
)

// Databases provisions MySQL and PostgreSQL databases through their command
// line clients. SQL is passed on stdin so passwords never show up in argv.
type Databases struct {
	runner engine.Runner
}

// NewDatabases creates a databases collaborator.
func NewDatabases(runner engine.Runner) *Databases {
	return &Databases{runner: runner}
}

// Provision creates the database and its owner if they do not exist and
// grants the owner full access.
func (d *Databases) Provision(ctx context.Context, req engine.DatabaseRequest) error {
	switch req.Engine {
	case engine.DatabaseMySQL:
		_, err := d.runner.Run(ctx, engine.Command{
			Argv:  []string{"mysql", "--batch"},
			Stdin: MySQLProvisionSQL(req),
			Quiet: true,
		})
		return err
	case engine.DatabasePostgreSQL:
		_, err := d.runner.Run(ctx, engine.Command{
			Argv:  []string{"psql", "-v", "ON_ERROR_STOP=1", "--quiet"},
			User:  "postgres",
			Stdin: PostgresProvisionSQL(req),
			Quiet: true,
		})
		return err
	default:
		return fmt.Errorf("unsupported database engine %q", req.Engine)
	}
}

// MySQLProvisionSQL returns the statements that create req's database and
// owner on MySQL.
func MySQLProvisionSQL(req engine.DatabaseRequest) string {
	db := mysqlIdent(req.Name)
	owner := mysqlLiteral(req.Owner) + "@'localhost'"
	return strings.Join([]string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci;", db),
		fmt.Sprintf("CREATE USER IF NOT EXISTS %s IDENTIFIED BY %s;", owner, mysqlLiteral(req.Password)),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON %s.* TO %s;", db, owner),
		"FLUSH PRIVILEGES;",
	}, "\n") + "\n"
}

// PostgresProvisionSQL returns the psql script that creates req's role and
// database on PostgreSQL.
func PostgresProvisionSQL(req engine.DatabaseRequest) string {
	role := pq.QuoteIdentifier(req.Owner)
	db := pq.QuoteIdentifier(req.Name)
	return strings.Join([]string{
		fmt.Sprintf("DO $$ BEGIN IF NOT EXISTS (SELECT FROM pg_roles WHERE rolname = %s) THEN CREATE ROLE %s LOGIN PASSWORD %s; END IF; END $$;",
			pq.QuoteLiteral(req.Owner), role, pq.QuoteLiteral(req.Password)),
		fmt.Sprintf("SELECT %s WHERE NOT EXISTS (SELECT FROM pg_database WHERE datname = %s)\\gexec",
			pq.QuoteLiteral(fmt.Sprintf("CREATE DATABASE %s OWNER %s", db, role)), pq.QuoteLiteral(req.Name)),
		fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s;", db, role),
	}, "\n") + "\n"
}

func mysqlIdent(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}

func mysqlLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}
