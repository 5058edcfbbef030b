// Package archive persists published model versions to Postgres in
// batches. It sits outside the trading data path: the publisher hands off
// without blocking and a database outage never stalls a pipeline.
package archive
