package d1

import (
	"context"
)

// Statement is one SQL statement with positional parameters
type Statement struct {
	Key    any
	SQL    string
	Params []any
}

// Outcome records what happened to one statement
type Outcome struct {
	Key  any
	OK   bool
	Err  error
	Body string
}

// Batch runs statements in order, one call each, and never stops early.
// Earlier statements are not rolled back when a later one fails.
func Batch(ctx context.Context, exec Executor, stmts []Statement) []Outcome {
	outcomes := make([]Outcome, 0, len(stmts))
	for _, stmt := range stmts {
		outcomes = append(outcomes, Run(ctx, exec, stmt))
	}
	return outcomes
}

// Run executes a single statement and folds transport and API failures
// into an Outcome
func Run(ctx context.Context, exec Executor, stmt Statement) Outcome {
	resp, err := exec.Execute(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return Outcome{Key: stmt.Key, Err: err}
	}
	if !resp.Success {
		return Outcome{Key: stmt.Key, Err: resp.Err(), Body: resp.Raw}
	}
	return Outcome{Key: stmt.Key, OK: true}
}

// Counts tallies successes and failures
func Counts(outcomes []Outcome) (ok, failed int) {
	for _, o := range outcomes {
		if o.OK {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}
