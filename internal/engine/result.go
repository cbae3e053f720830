package engine

import (
	"github.com/picklr-io/inferstack/internal/ir"
)

// Status summarizes how far an apply or destroy got.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusPartial   Status = "partial" // some nodes converged, see ResumeFrom
	StatusFailed    Status = "failed"
)

// Result is the structured outcome of Engine.Apply and Engine.Destroy.
type Result struct {
	Status     Status
	Converged  []string // nodes converged after the run, in apply order
	Destroyed  []string
	ResumeFrom string // first node that did not converge
	Retryable  bool
	Endpoint   *ir.Endpoint
	Err        error
}

func failedResult(err error) (*Result, error) {
	return &Result{Status: StatusFailed, Err: err, Retryable: ir.Retryable(err)}, err
}

func (r *Result) fail(addr string, err error) {
	r.Err = err
	r.ResumeFrom = addr
	r.Retryable = ir.Retryable(err)
	if len(r.Converged) > 0 || len(r.Destroyed) > 0 {
		r.Status = StatusPartial
	} else {
		r.Status = StatusFailed
	}
}
