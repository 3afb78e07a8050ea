// Package calmerr provides the error-accumulation pattern used across the
// pipeline: components that must evaluate many independent items (hint
// keys, packages, upload files) collect every failure instead of aborting
// on the first one, and the caller decides what accumulated failure means
// for the larger operation (fail the file, drop the maintainer, fail the
// cycle).
package calmerr

import (
	"errors"
	"fmt"
)

// Collector is a wrapper around []error that aggregates failures for
// collective reporting. The zero value is ready to use.
type Collector struct {
	Errors []*Entry
}

// Entry is one accumulated error, optionally attributed to a maintainer
// and/or package so that the mail-aggregation layer (internal/calmlog) can
// route it to the right recipient without re-deriving the attribution.
type Entry struct {
	Err     error
	Maint   string
	Package string
}

func (e *Entry) Error() string { return e.Err.Error() }

// Add appends err to the collector unless it is nil, so call sites can
// write
//
//	ec.Add(operationThatMightFail())
//
// instead of testing for nil themselves.
func (c *Collector) Add(err error) {
	if err != nil {
		c.Errors = append(c.Errors, &Entry{Err: err})
	}
}

// Addf appends an error built from fmt.Errorf. If only one argument is
// given it is used as the error string verbatim, avoiding a false
// positive from go vet's printf checks on strings that contain "%".
func (c *Collector) Addf(format string, args ...interface{}) {
	if len(args) > 0 {
		c.Errors = append(c.Errors, &Entry{Err: fmt.Errorf(format, args...)})
	} else {
		c.Errors = append(c.Errors, &Entry{Err: errors.New(format)})
	}
}

// AddAttributed appends err tagged with the maintainer/package it should
// be attributed to for mail-routing purposes. Either tag may be empty.
func (c *Collector) AddAttributed(maint, pkg string, err error) {
	if err == nil {
		return
	}
	c.Errors = append(c.Errors, &Entry{Err: err, Maint: maint, Package: pkg})
}

// OK reports whether no errors were collected.
func (c *Collector) OK() bool { return len(c.Errors) == 0 }

// Err returns a single combined error summarizing every collected error,
// or nil if the collector is empty.
func (c *Collector) Err() error {
	if c.OK() {
		return nil
	}
	if len(c.Errors) == 1 {
		return c.Errors[0].Err
	}
	msgs := make([]string, len(c.Errors))
	for i, e := range c.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("%d errors occurred: %v", len(c.Errors), msgs)
}

// Extend appends every entry of other to c, preserving attribution.
func (c *Collector) Extend(other *Collector) {
	if other == nil {
		return
	}
	c.Errors = append(c.Errors, other.Errors...)
}
