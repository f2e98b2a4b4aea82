// Package recovery owns the durable side of Done -> Unloaded eviction: a
// bbolt-backed store of per-task metadata (completion age, descendant
// size), a pluggable eviction predicate over it, and a cron-driven sweeper
// that applies the predicate and destroys tasks left unreachable by root
// disconnects. Only eviction-relevant metadata is persisted, never cell
// values or cached outputs; the task cache itself stays in-memory for the
// life of the process.
package recovery
