package dynsecrets

import (
	"database/sql"
	"fmt"
	"time"

	// Registered database/sql drivers for the two supported variants
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/znlabs/zn-vault-agent/pkg/types"
)

// driverNames maps the configured DB type to its database/sql driver.
var driverNames = map[types.DBType]string{
	types.DBPostgreSQL: "pgx",
	types.DBMySQL:      "mysql",
}

// openPool opens a pooled client for one connection config. The pool is
// lazy; connectivity errors surface on first use.
func openPool(cfg *types.DynamicSecretsConfig) (*sql.DB, error) {
	driver, ok := driverNames[cfg.DBType]
	if !ok {
		return nil, fmt.Errorf("unsupported database type %q (supported: POSTGRESQL via pgx, MYSQL via go-sql-driver)", cfg.DBType)
	}
	if !driverRegistered(driver) {
		return nil, fmt.Errorf("database driver %q is not compiled into this agent", driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s pool: %w", driver, err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func driverRegistered(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}
