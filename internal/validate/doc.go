// Package validate performs structural checks on operation requests.
//
// Validation looks only at presence and shape: required keys, operation
// kinds, and the JSON types of kind-specific fields. It never touches
// storage and never interprets filters or update expressions. The first
// failing rule wins; violations are not aggregated.
package validate
