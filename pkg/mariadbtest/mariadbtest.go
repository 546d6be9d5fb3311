// Package mariadbtest constructs short-lived MariaDB databases for unit-testing.
//
// Tests run against the server given by -sql-conn (or $MARIADBTEST_DSN),
// each in its own freshly created database.
// Otherwise a MariaDB 10.3 container is started with Docker.
// Tests are skipped if neither is available.
package mariadbtest

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sqlConnStr = flag.String("sql-conn", os.Getenv("MARIADBTEST_DSN"), "SQL connection string")

// MariaDB is a test database and a client attached to it.
type MariaDB struct {
	DB       *sqlx.DB
	Config   *mysql.Config
	Resource *dockertest.Resource

	admin *sqlx.DB // set if the database must be dropped
}

// New connects to a new empty database.
func New(t testing.TB) *MariaDB {
	if *sqlConnStr != "" {
		return newPredefined(t)
	}
	return newDocker(t)
}

func newPredefined(t testing.TB) *MariaDB {
	cfg, err := mysql.ParseDSN(*sqlConnStr)
	require.NoError(t, err, "Invalid DSN")
	// Force Go-compatible time handling.
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = true
	cfg.DBName = ""
	admin, err := sqlx.Open("mysql", cfg.FormatDSN())
	require.NoError(t, err)
	name := "mariadbtest_" + randomHex(t, 6)
	_, err = admin.Exec("CREATE DATABASE " + name)
	require.NoError(t, err, "Creating database")
	cfg.DBName = name
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	require.NoError(t, err)
	t.Log("mariadbtest: Using database", name)
	return &MariaDB{DB: db, Config: cfg, admin: admin}
}

func newDocker(t testing.TB) *MariaDB {
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skip("mariadbtest: Docker not available:", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skip("mariadbtest: Docker not available:", err)
	}
	t.Log("Connected to Docker")
	pool.MaxWait = 2 * time.Minute
	password := randomHex(t, 16)
	runOpts := &dockertest.RunOptions{
		Repository: "mariadb",
		Tag:        "10.3-focal",
		Env: []string{
			"MYSQL_DATABASE=jobgate",
			"MYSQL_USER=root",
			"MYSQL_ROOT_PASSWORD=" + password,
		},
	}
	resource, err := pool.RunWithOptions(runOpts, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err, "Creating MariaDB")
	t.Log("Created MariaDB Docker container")
	cfg := mysql.NewConfig()
	cfg.User = "root"
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = "localhost:" + resource.GetPort("3306/tcp")
	cfg.DBName = "jobgate"
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	cfg.MultiStatements = true
	cfg.AllowNativePasswords = true
	db, err := sqlx.Open("mysql", cfg.FormatDSN())
	require.NoError(t, err)
	require.NoError(t, pool.Retry(func() error {
		if err := db.Ping(); err != nil {
			t.Log("Ping failed, retrying:", err)
			return err
		}
		return nil
	}), "Connection to MariaDB")
	return &MariaDB{DB: db, Config: cfg, Resource: resource}
}

// Close destroys all data.
func (m *MariaDB) Close(t testing.TB) {
	assert.NoError(t, m.DB.Close())
	if m.admin != nil {
		_, err := m.admin.Exec("DROP DATABASE " + m.Config.DBName)
		assert.NoError(t, err, "Dropping database")
		assert.NoError(t, m.admin.Close())
	}
	if m.Resource != nil {
		assert.NoError(t, m.Resource.Close(), "Removing container")
	}
}

func randomHex(t testing.TB, n int) string {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err, "Getting random bytes")
	return hex.EncodeToString(buf)
}
