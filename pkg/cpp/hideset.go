package cpp

import "slices"

// hideset is a sorted set of macro names. Values are never modified after
// construction so tokens can share them freely.
type hideset []string

func (h hideset) contains(name string) bool {
	_, ok := slices.BinarySearch(h, name)
	return ok
}

// with returns h ∪ {name}.
func (h hideset) with(name string) hideset {
	i, ok := slices.BinarySearch(h, name)
	if ok {
		return h
	}
	out := make(hideset, 0, len(h)+1)
	out = append(out, h[:i]...)
	out = append(out, name)
	return append(out, h[i:]...)
}

func (h hideset) union(o hideset) hideset {
	if len(o) == 0 {
		return h
	}
	if len(h) == 0 {
		return o
	}
	out := make(hideset, 0, len(h)+len(o))
	i, j := 0, 0
	for i < len(h) && j < len(o) {
		switch {
		case h[i] < o[j]:
			out = append(out, h[i])
			i++
		case h[i] > o[j]:
			out = append(out, o[j])
			j++
		default:
			out = append(out, h[i])
			i++
			j++
		}
	}
	out = append(out, h[i:]...)
	return append(out, o[j:]...)
}

func (h hideset) intersect(o hideset) hideset {
	var out hideset
	i, j := 0, 0
	for i < len(h) && j < len(o) {
		switch {
		case h[i] < o[j]:
			i++
		case h[i] > o[j]:
			j++
		default:
			out = append(out, h[i])
			i++
			j++
		}
	}
	return out
}
