// Package registry loads and validates unit policies.
//
// Two backends implement Registry: a tab-separated file and an embedded
// SQLite database. Open maps a backend tag to its constructor and fails on
// an unknown tag. Both backends yield the same UnitPolicy values, checked
// row by row against an embedded CUE schema at load time.
//
// Load fails fast with *ParseError on a malformed row. Validate is
// side-effect free and cumulative: it collects every violation (duplicate
// ids, missing search or aggregator units, tool-enabled units above the
// tool temperature ceiling) rather than stopping at the first.
package registry
