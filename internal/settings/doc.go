// Package settings provides the persisted key/value store cloudkey keeps its
// credential state in.
//
// Every backend implements Store and applies a Set batch atomically:
//   - File: JSON document with atomic temp file + rename and 0600 permissions
//   - Keyring: OS-native credential storage (macOS Keychain, Windows Credential Manager, Secret Service)
//   - SQLite: local database file, schema managed by embedded goose migrations
//   - Postgres: shared database for deployments running several hosts
//   - Redis: a single hash, written with one HSET per batch
//   - Memory: process-local, for tests and one-shot commands
//
// Stores shared between processes also implement Locker, so a refresh can
// re-read, exchange and write back while other cloudkey processes wait:
// file and SQLite use an advisory lock file, Postgres a session advisory lock,
// Redis a SET NX key with expiry, Memory an in-process semaphore. The keyring
// backend has no lock.
//
// EnvSeeded wraps any Store with read-only fallbacks from environment
// variables, so an initial refresh token can be provisioned by a secret
// manager without touching the store.
package settings
