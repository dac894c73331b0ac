package service

import (
	"github.com/getyourguide/extproc-basicauth/filter"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/trace"
)

type Option interface {
	apply(c *ExtProcessor)
}

type optionFunc func(*ExtProcessor)

func (o optionFunc) apply(f *ExtProcessor) {
	o(f)
}

// WithLogger configures the service with a logger
func WithLogger(log logr.Logger) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.log = log
	})
}

// WithFilters sets the filter chain. Filters that implement filter.Stream are also registered as stream callbacks.
func WithFilters(filters ...filter.Filter) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.filters = filters
		for _, f := range filters {
			if s, ok := f.(filter.Stream); ok {
				svc.streamCallbacks = append(svc.streamCallbacks, s)
			}
		}
	})
}

// WithStreamCallbacks registers callbacks that are not part of the filter chain.
func WithStreamCallbacks(callbacks ...filter.Stream) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.streamCallbacks = append(svc.streamCallbacks, callbacks...)
	})
}

func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(svc *ExtProcessor) {
		svc.tracer = tracer
	})
}
