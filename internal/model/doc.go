// Package model defines shared data types used across the chain heatmap engine.
//
// Conventions:
//   - Prices and strikes: int64 ten-thousandths of a dollar ($0.0001 resolution)
//   - Timestamps: int64 microseconds since Unix epoch
//   - IDs: string for contracts/epochs/underlyings, uuid.UUID for trade prints
//   - Expiries: "YYYY-MM-DD" strings (lexicographic order == chronological order)
package model
