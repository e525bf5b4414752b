// Package model provides the foundational record types for helix.
//
// This package contains type definitions and pure functions only. All other
// internal packages import model; model imports nothing internal. This keeps
// the unit policy, marker, ledger and manifest shapes in one place so every
// store serializes them identically.
//
// Key design constraints:
//   - Unit policies are immutable after registry load
//   - All JSON tags use snake_case
//   - Content hashes are lowercase hex SHA-256
//   - Canonical JSON (sorted keys, NFC strings) is the only encoding used for fingerprints
package model
