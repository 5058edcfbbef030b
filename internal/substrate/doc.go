// Package substrate is the per-epoch store of normalized contract records.
//
// Contracts are created only by snapshot ingestion. Incremental updates may
// mutate quote fields of existing contracts and are resolved by event time
// (newest wins), never by arrival order. An update referencing a contract
// absent from its epoch is a geometry miss: counted, discarded, never
// synthesized.
//
// Locking: the store-level and epoch-level locks guard map structure only.
// Each contract record carries its own mutex, so write contention is scoped
// to a single (epoch, contract) key.
package substrate
