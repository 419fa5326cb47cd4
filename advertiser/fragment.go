package advertiser

import "github.com/srg/blehost/internal/radio"

// FragmentSize is the largest chunk carried by one extended data command.
const FragmentSize = 191

// Fragment is one chunk of an extended advertising or scan response payload.
type Fragment struct {
	Op   radio.FragmentOp
	Data []byte
}

// Fragments splits payload into chunks of at most size bytes.
// A payload that fits in one chunk, including an empty one, yields a single
// Complete fragment; otherwise First, Intermediate..., Last.
func Fragments(payload []byte, size int) []Fragment {
	if size <= 0 {
		size = FragmentSize
	}
	if len(payload) <= size {
		return []Fragment{{Op: radio.FragmentComplete, Data: payload}}
	}

	n := (len(payload) + size - 1) / size
	out := make([]Fragment, 0, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * size
		if end > len(payload) {
			end = len(payload)
		}
		op := radio.FragmentIntermediate
		switch i {
		case 0:
			op = radio.FragmentFirst
		case n - 1:
			op = radio.FragmentLast
		}
		out = append(out, Fragment{Op: op, Data: payload[i*size : end]})
	}
	return out
}
