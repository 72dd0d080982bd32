package signupdb

import (
	"context"
	"database/sql"

	mssql "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/volunteerhub/signupdb/azauth"
	"github.com/volunteerhub/signupdb/sqlcfg"
)

// Connector opens a pool for one connection attempt.
type Connector interface {
	Connect(ctx context.Context, cfg sqlcfg.Config, auth azauth.Descriptor) (*Pool, error)
}

// SQLServerConnector opens pools with go-mssqldb. Every authentication mode
// reaches the server as a federated security token supplied by the
// descriptor.
type SQLServerConnector struct {
	// SessionInitSQL runs on every new physical connection.
	SessionInitSQL string
	Logger         *zap.Logger
}

// Connect builds the driver configuration, opens the pool, verifies it with
// a ping and warms MinConns connections.
func (c SQLServerConnector) Connect(ctx context.Context, cfg sqlcfg.Config, auth azauth.Descriptor) (*Pool, error) {
	p, err := cfg.MSDSN()
	if err != nil {
		return nil, err
	}
	conn, err := mssql.NewSecurityTokenConnector(p, auth.Token)
	if err != nil {
		return nil, err
	}
	conn.SessionInitSQL = c.SessionInitSQL

	db := sql.OpenDB(conn)
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.IdleConns())
	db.SetConnMaxIdleTime(cfg.IdleTimeout)

	pingCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	warm(pingCtx, db, cfg.MinConns, c.logger())
	return NewPool(db), nil
}

func (c SQLServerConnector) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// warm opens up to n connections and returns them to the idle set. Failures
// are logged; the pool is usable without them.
func warm(ctx context.Context, db *sql.DB, n int, logger *zap.Logger) {
	conns := make([]*sql.Conn, 0, n)
	defer func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}()
	for i := 0; i < n; i++ {
		c, err := db.Conn(ctx)
		if err != nil {
			logger.Warn("could not warm pool connection", zap.Int("opened", i), zap.Int("wanted", n), zap.Error(err))
			return
		}
		conns = append(conns, c)
	}
}
