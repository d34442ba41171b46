package testHelper

func GroupBy[T comparable, V any](elements []V, keySelector func(V) T) map[T][]V {
	destination := make(map[T][]V)
	for _, element := range elements {
		key := keySelector(element)
		destination[key] = append(destination[key], element)
	}

	return destination
}

// Partition returns a tuple of lists based on predicate.
// first slice holds the elements the predicate yielded true for, second the rest.
func Partition[V any](elements []V, predicate func(V) bool) ([]V, []V) {
	var first []V
	var second []V
	for _, element := range elements {
		if predicate(element) {
			first = append(first, element)
		} else {
			second = append(second, element)
		}
	}

	return first, second
}

// Map applies fn to every element.
func Map[V, R any](elements []V, fn func(V) R) []R {
	out := make([]R, 0, len(elements))
	for _, element := range elements {
		out = append(out, fn(element))
	}

	return out
}

// Duplicates returns the keys that occur more than once.
func Duplicates[T comparable](elements []T) []T {
	var dups []T
	for key, group := range GroupBy(elements, func(e T) T { return e }) {
		if len(group) > 1 {
			dups = append(dups, key)
		}
	}

	return dups
}
