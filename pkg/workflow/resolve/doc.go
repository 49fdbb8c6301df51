// Package resolve turns raw node parameters into concrete values.
//
// A parameter leaf is either a literal (copied verbatim), a ref
// directive {mode: "ref", nodeId, path} that reads a prior node's
// output, or an expr directive {mode: "expr", expression, fallback?}
// evaluated in the sandboxed expression engine.
//
// Ref paths support identifier segments, numeric indexes, bracketed
// string keys, and filter predicates over arrays:
//
//	recommendations[score > 0.9].product
//	rows[3].cells["total amount"]
//
// A filter produces the collection of matching elements; a following
// field segment projects across that collection. A reference into a
// missing path resolves to undefined and the parameter key is dropped,
// never an error.
package resolve
