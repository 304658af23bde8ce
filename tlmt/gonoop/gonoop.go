// Package gonoop is the disabled-telemetry backend.
package gonoop

import (
	"context"

	"github.com/inlethq/inlet/tlmt"
)

type service struct{}

func New() tlmt.Telemetry {
	return &service{}
}

func (s *service) Send(_ context.Context, _ tlmt.Event) error { return nil }

func (s *service) Close() error { return nil }
