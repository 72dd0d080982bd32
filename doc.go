// Package signupdb is the database layer of the volunteer signup service.
//
// It keeps one shared connection pool to Azure SQL per process. The pool is
// opened lazily by the first caller and reused while it stays healthy:
//
//	provider, err := signupdb.NewProvider(cfg, azauth.NewResolver(signals, azauth.Options{}))
//	if err != nil {
//		return err
//	}
//	defer provider.Close()
//
//	exec := provider.Executor()
//	res, err := exec.Exec(ctx, "UPDATE dbo.Volunteers SET City = @City WHERE VolunteerID = @ID",
//		func(p *signupdb.Params) {
//			p.Add("City", signupdb.NVarChar(100), "Lyon").
//				Add("ID", signupdb.BigInt, id)
//		})
//
// # Authentication
//
// Each connection attempt resolves a fresh authentication descriptor:
// managed identity when the process is hosted on Azure, a token credential
// chain on developer machines and CI, or an explicit access token fetched
// synchronously. All three reach the server as a federated security token.
//
// # Retries
//
// Transient failures (throttling, failover, dropped sockets) are retried up to
// four attempts, waiting 5s, 10s and 15s between them. Login and permission
// failures stop immediately. Concurrent callers waiting on an attempt share
// its outcome; no second pool is opened.
//
// Statements are never retried. Errors from the driver reach the caller
// wrapped in StatementError, so errors.As still finds an mssql.Error.
package signupdb
