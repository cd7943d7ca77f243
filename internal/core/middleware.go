package core

import (
	"cmp"
	"slices"

	"google.golang.org/grpc"
)

// Stage is one interceptor pair in the server chain. Lower Order runs
// first. Either interceptor may be nil.
type Stage struct {
	// Name identifies a built-in stage. Adding a second stage with the same
	// non-empty Name replaces the first; unnamed stages always append.
	Name   string
	Order  int
	Unary  grpc.UnaryServerInterceptor
	Stream grpc.StreamServerInterceptor
}

// Chain is the sorted result of a MiddlewareBuilder.
type Chain struct {
	Unary  []grpc.UnaryServerInterceptor
	Stream []grpc.StreamServerInterceptor
	// Names lists the stages outermost first; unnamed stages appear as
	// "custom".
	Names []string
}

// MiddlewareBuilder collects stages in registration order.
type MiddlewareBuilder struct {
	stages []Stage
}

func (b *MiddlewareBuilder) Add(s Stage) {
	if s.Name != "" {
		if i := slices.IndexFunc(b.stages, func(e Stage) bool { return e.Name == s.Name }); i >= 0 {
			b.stages[i] = s
			return
		}
	}
	b.stages = append(b.stages, s)
}

// Build sorts a copy of the stages by Order. Stages sharing an Order keep
// their registration order.
func (b *MiddlewareBuilder) Build() Chain {
	sorted := slices.Clone(b.stages)
	slices.SortStableFunc(sorted, func(x, y Stage) int {
		return cmp.Compare(x.Order, y.Order)
	})

	var c Chain
	for _, s := range sorted {
		if s.Unary != nil {
			c.Unary = append(c.Unary, s.Unary)
		}
		if s.Stream != nil {
			c.Stream = append(c.Stream, s.Stream)
		}
		name := s.Name
		if name == "" {
			name = "custom"
		}
		c.Names = append(c.Names, name)
	}
	return c
}

// ServerOptions chains c into grpc.ServerOption values.
func (c Chain) ServerOptions() []grpc.ServerOption {
	return BuildServerOptions(c.Unary, c.Stream)
}
