// Package storage provides the key/value persistence port consumed by the
// session orchestrator and the authorization collaborator. Backends cover
// in-memory (development), Redis, and MySQL deployments.
package storage
