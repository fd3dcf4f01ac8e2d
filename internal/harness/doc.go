// Package harness runs YAML command scenarios through the full pipeline.
//
// A scenario seeds an in-memory engine, scripts the oracle's replies and
// submits commands one by one. Each step may state the expected phase and
// code of a failure, or a subset of the result. Assertions then check the
// final collection contents, the history and the oracle usage.
//
// Example scenario:
//
//	name: unset_salary
//	seed:
//	  faculty:
//	    - {name: Komal, salary: 90000}
//	steps:
//	  - command: Remove salary for Komal
//	    collection: faculty
//	    oracle: '{"operation": "update", "collection": "faculty", "filter": {"name": "Komal"}, "update": {"$unset": {"salary": ""}}}'
//	    expect:
//	      result: {matched: 1, modified: 1}
//	assertions:
//	  - type: final_state
//	    collection: faculty
//	    where: {name: Komal}
//	    absent: [salary]
//
// Runs are deterministic: document ids are 1, 2, 3, ... and the clock
// advances one second per reading, so traces can be compared against golden
// files.
package harness
