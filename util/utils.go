package util

func Filter[T any](ts []T, fn func(T) bool) []T {
	result := []T{}
	for _, v := range ts {
		if fn(v) {
			result = append(result, v)
		}
	}
	return result
}

func Reduce[T, V any](ts []T, acc func(t T, v V) V, base V) V {
	for _, v := range ts {
		base = acc(v, base)
	}

	return base
}

func Choose[T any](cond bool, a, b T) T {
	if cond {
		return a
	}
	return b
}

// IndexOf returns the position of v in ts, or -1.
func IndexOf[T comparable](ts []T, v T) int {
	for i, t := range ts {
		if t == v {
			return i
		}
	}
	return -1
}

func Clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
