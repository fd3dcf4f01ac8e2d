// Package ir defines the operation intermediate representation (IR) that sits
// between the text oracle and the storage engine.
//
// An operation request travels through two forms:
//
//	[oracle text] → Document (ordered, untyped) → Operation (sealed, typed)
//
// Document is the parsed JSON object. Key order is preserved because sort
// specifications, compound index keys and aggregation stages are order
// sensitive. The validator works on Document; the executor decodes a
// validated Document into an Operation and dispatches on its concrete type.
//
// SEALED INTERFACE:
//
// Operation is sealed with a marker method. Only types in this package
// implement it, so executors can switch exhaustively:
//
//	switch op := op.(type) {
//	case *Find:
//	case *Insert:
//	...
//	}
//
// Documents never outlive the request that produced them. Nothing in the
// pipeline shares or mutates an IR value across requests.
package ir
