// Package autodetect provides the datacenter-autodetection contract
// as an external collaborator, per spec.md §9's Open Question
// ("should be provided, if at all, as a separate detector that feeds
// the endpoint a string") and SPEC_FULL.md's Supplemented Features,
// grounded on original_source/include/next_autodetect.h's narrow
// contract of producing a name string and nothing more.
package autodetect

import "context"

// Detector resolves the datacenter name a server should report to the
// backend. The core never shells out or reads cloud metadata itself;
// it only consumes whatever string a Detector returns.
type Detector interface {
	Detect(ctx context.Context) (string, error)
}

// Static is a Detector that always returns a fixed name, used for
// tests and for deployments where the datacenter is known in advance
// (spec.md §6.4's NEXT_DATACENTER override, or disable_autodetect).
type Static string

func (s Static) Detect(ctx context.Context) (string, error) {
	return string(s), nil
}
