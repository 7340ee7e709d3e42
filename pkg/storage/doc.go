// Package storage holds artifact storage.
//
// ArtifactStore is the source of .opnet files. A plugin is disabled in place by
// appending ".disabled" to its file name; disabled artifacts are listed but never
// admitted. Two backends exist:
//
//   - FilesystemStore over a plugins directory (the default, also watched by discovery)
//   - postgres.S3Store over a bucket and key prefix
//
// Decision records live behind admission.RecordStore with in-memory, PostgreSQL and
// SQLite implementations.
package storage
