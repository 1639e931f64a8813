// Package scraper defines the core types and collaborator interfaces shared
// across the fetch control layer: the failure taxonomy, fetch request/result
// shapes, and the storage, hashing, and publishing contracts implemented by
// the leaf packages under internal/.
package scraper
