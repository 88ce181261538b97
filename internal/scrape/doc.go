// Package scrape defines the job model, lifecycle states, and the narrow
// interfaces shared by the engine, the executor, the sweepers and the stores.
package scrape
