// Package postgres holds the networked storage backends: admission decision
// records in PostgreSQL, the shared decision cache in Redis and the artifact
// store in S3-compatible object storage.
//
// Decision rows keep the full decision as JSONB alongside the columns used for
// filtering. The connection manager sends writes to the primary and spreads reads
// across healthy replicas.
//
// Run the container-backed tests with:
//
//	go test -tags=integration ./pkg/storage/postgres/...
package postgres
