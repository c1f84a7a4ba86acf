package postgres

import (
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/ekaya-inc/ekaya-features/pkg/adapters/datasource"
)

func init() {
	datasource.Register(datasource.Registration{
		Info: datasource.SourceInfo{Type: "postgres", DisplayName: "PostgreSQL"},
		Open: func(config map[string]any) (*sql.DB, error) {
			cfg, err := FromMap(config)
			if err != nil {
				return nil, err
			}
			return sql.Open("pgx", cfg.ConnectionString())
		},
	})
}
