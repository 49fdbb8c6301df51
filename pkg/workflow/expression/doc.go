// Package expression provides sandboxed expression evaluation for
// workflow parameters.
//
// The evaluator is a small hand-built Pratt parser and AST interpreter.
// Tenant-authored expressions run against untrusted input, so the
// language deliberately has no host access: no I/O, no reflection, no
// dynamic code loading, and every identifier must resolve inside the
// read-only scope the runtime supplies. Complexity is bounded at parse
// time (at most 256 AST nodes, 64 levels of nesting) so a hostile
// expression cannot stall a worker.
//
// Expressions support:
//
//   - Scope access: steps.enrichment.score, trigger.payload.id, variables.region
//   - Comparisons: ==, !=, <, >, <=, >=
//   - Boolean logic: &&, ||, !
//   - Arithmetic and string concatenation: +, -, *, /, %
//   - Builtin functions: $uppercase, $lower, $now, $date, $json, $int,
//     $float, $len, $concat
//
// Example expressions:
//
//	steps.enrichment.score > 0.9
//	$uppercase(trigger.payload.region)
//	$concat("order-", trigger.payload.id)
//	steps.count.total % 2 == 0
//
// Compiled programs are cached in a bounded LRU keyed by source text.
package expression
