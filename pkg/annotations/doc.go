// Package annotations defines the metadata keys an operator may attach to a
// workload and the constraint grammar embedded in policy-valued keys.
//
// Constraint strings are semicolon delimited lists of Name(Arg) clauses:
//
//	Runtime(2h)                     MinRuntime, running for more than 2h
//	Notified(10m)                   notified more than 10 minutes ago
//	TimeOfDay(22:00,06:00,+04:00)   inside a daily window at UTC+4
//	Notified(3m);MinRuntime(4h)     every clause must hold
//
// The empty string is a valid constraint list with no clauses.
//
// Catalog keys are validated with Validate and documented with Explain:
//
//	if err := annotations.Validate("terminate_when", "Notified(1h)"); err != nil {
//	    var synErr *annotations.AnnotationSyntaxError
//	    if errors.As(err, &synErr) {
//	        // synErr.Key, synErr.Value, synErr.Description
//	    }
//	}
package annotations
