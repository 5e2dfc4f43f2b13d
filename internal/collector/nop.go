package collector

import "context"

// Nop is a Collector that collects nothing, used when a collector is
// disabled in the configuration.
type Nop[T any] struct{}

func (Nop[T]) Start(context.Context) error { return nil }

func (Nop[T]) StartWithFilter(context.Context, Filter) error { return nil }

func (Nop[T]) Metrics(context.Context) (map[string]T, error) { return map[string]T{}, nil }

func (Nop[T]) Stop(context.Context) error { return nil }

// Exclude returns a Filter matching exactly the given dimension values.
// It returns nil when values is empty.
func Exclude(values ...string) Filter {
	if len(values) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}

	return func(dimension string) bool {
		_, ok := set[dimension]
		return ok
	}
}
