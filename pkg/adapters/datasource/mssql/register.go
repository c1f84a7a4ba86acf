package mssql

import (
	"database/sql"

	_ "github.com/microsoft/go-mssqldb"         // registers the "sqlserver" driver
	_ "github.com/microsoft/go-mssqldb/azuread" // registers the "azuresql" driver

	"github.com/ekaya-inc/ekaya-features/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.SourceInfo{Type: "mssql", DisplayName: "Microsoft SQL Server"},
		Open: func(config map[string]any) (*sql.DB, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			driver, dsn := cfg.DriverAndDSN()
			return sql.Open(driver, dsn)
		},
	})
}
