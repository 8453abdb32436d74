package reassembly

// missingRanges returns the coalesced complement of the received bitmap.
// With the trailer seen the scan covers the full declared count; before
// that only interior gaps below the highest received payload ID are known
// to be missing (the frame's tail length is still undeclared).
func (as *assembly) missingRanges() []MissingRange {
	var limit uint32
	switch {
	case as.expected > 0:
		limit = uint32(as.expected)
	case as.tentative > 0:
		// Leader's declared count, unconfirmed: good enough to request the
		// missing tail, including the trailer itself.
		limit = uint32(as.tentative)
	case as.highestPldID > 0:
		limit = as.highestPldID + 1
	default:
		return nil
	}

	var ranges []MissingRange
	for id := uint32(0); id < limit; id++ {
		if as.bitSet(id) {
			continue
		}
		if n := len(ranges); n > 0 && ranges[n-1].Last == id-1 {
			ranges[n-1].Last = id
			continue
		}
		ranges = append(ranges, MissingRange{First: id, Last: id})
	}
	return ranges
}

// clampWindow truncates ranges so the total number of requested packet IDs
// does not exceed window, bounding the retransmission burst per sweep.
func clampWindow(ranges []MissingRange, window int) []MissingRange {
	if window <= 0 {
		return ranges
	}
	budget := uint32(window)
	for i, r := range ranges {
		n := r.Last - r.First + 1
		if n < budget {
			budget -= n
			continue
		}
		out := ranges[:i+1]
		out[i].Last = r.First + budget - 1
		return out
	}
	return ranges
}
