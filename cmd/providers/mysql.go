package providers

import (
	"context"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/viper"
	"go.od2.network/jobgate/pkg/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// MySQL config keys.
const (
	ConfMySQLDSN         = "mysql.dsn"
	ConfMySQLConnectWait = "mysql.connect_wait"
	ConfMySQLMaxConns    = "mysql.max_conns"
)

func init() {
	viper.SetDefault(ConfMySQLDSN, "")
	viper.SetDefault(ConfMySQLConnectWait, 30*time.Second)
	viper.SetDefault(ConfMySQLMaxConns, 16)
}

// NewMySQLConfig parses the MySQL DSN from config.
func NewMySQLConfig(log *zap.Logger) (*mysql.Config, error) {
	cfg, err := mysql.ParseDSN(viper.GetString(ConfMySQLDSN))
	if err != nil {
		return nil, err
	}
	log.Info("Using MySQL DB",
		zap.String("mysql.net", cfg.Net),
		zap.String("mysql.addr", cfg.Addr),
		zap.String("mysql.db_name", cfg.DBName),
		zap.String("mysql.user", cfg.User))
	return cfg, nil
}

// NewMySQL connects an SQL client, waiting for the server to come up.
func NewMySQL(ctx context.Context, log *zap.Logger, lc fx.Lifecycle, cfg *mysql.Config) (*sqlx.DB, error) {
	db, err := store.Connect(ctx, log, cfg, viper.GetDuration(ConfMySQLConnectWait))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(viper.GetInt(ConfMySQLMaxConns))
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return db.Close()
		},
	})
	return db, nil
}

// NewStore wraps the SQL client.
func NewStore(db *sqlx.DB) *store.Store {
	return store.New(db)
}
