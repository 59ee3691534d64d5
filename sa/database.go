package sa

import (
	"database/sql"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/letsencrypt/borp"

	"github.com/trellisca/trellis/db"
)

// DbSettings contains the per-pool connection limits. A zero value leaves the
// corresponding limit at the driver default (unlimited).
type DbSettings struct {
	// MaxOpenConns sets the maximum number of open connections to the
	// database. If MaxIdleConns is 0 or positive and the new MaxOpenConns is
	// less than MaxIdleConns, then MaxIdleConns will be reduced to match the
	// new MaxOpenConns limit.
	MaxOpenConns int

	// MaxIdleConns sets the maximum number of connections in the idle
	// connection pool. If MaxOpenConns is greater than 0 but less than the new
	// MaxIdleConns, then the new MaxIdleConns will be reduced to match the
	// MaxOpenConns limit.
	MaxIdleConns int

	// ConnMaxLifetime sets the maximum amount of time a connection may be
	// reused. Expired connections may be closed lazily before reuse.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime sets the maximum amount of time a connection may be
	// idle. Expired connections may be closed lazily before reuse.
	ConnMaxIdleTime time.Duration
}

// NewDbMap creates a wrapped root borp mapping object. Create one of these for
// each database schema you wish to map. Each DbMap contains a list of mapped
// tables. It automatically maps the tables for the primary parts of Trellis
// around the Storage Authority.
func NewDbMap(dbConnect string, settings DbSettings) (*db.WrappedMap, error) {
	config, err := mysql.ParseDSN(dbConnect)
	if err != nil {
		return nil, err
	}

	adjustMySQLConfig(config)

	conn, err := sql.Open("mysql", config.FormatDSN())
	if err != nil {
		return nil, err
	}

	conn.SetMaxOpenConns(settings.MaxOpenConns)
	conn.SetMaxIdleConns(settings.MaxIdleConns)
	conn.SetConnMaxLifetime(settings.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(settings.ConnMaxIdleTime)

	dbmap := &borp.DbMap{
		Db:              conn,
		Dialect:         borp.MySQLDialect{Engine: "InnoDB", Encoding: "UTF8"},
		TypeConverter:   TrellisTypeConverter{},
		ExpandSliceArgs: true,
	}

	initTables(dbmap)
	return db.NewWrappedMap(dbmap), nil
}

// adjustMySQLConfig sets the driver flags we rely on. Parse times into
// time.Time rather than strings, and make MySQL reject out-of-range values
// instead of truncating them.
func adjustMySQLConfig(conf *mysql.Config) {
	conf.ParseTime = true
	if conf.Params == nil {
		conf.Params = make(map[string]string)
	}
	conf.Params["sql_mode"] = "'STRICT_ALL_TABLES'"
}

// SetSQLDebug enables borp's trace logging through the given printf-style
// function.
func SetSQLDebug(dbMap *borp.DbMap, tracef func(format string, v ...interface{})) {
	dbMap.TraceOn("SQL: ", borpLogger{tracef})
}

type borpLogger struct {
	printf func(format string, v ...interface{})
}

func (l borpLogger) Printf(format string, v ...interface{}) {
	l.printf(format, v...)
}
