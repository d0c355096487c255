package ept

import "github.com/eptguard/eptguard/internal/cpuprim"

// mtrrRange is one variable-range MTRR pair (IA32_MTRR_PHYSBASEn /
// IA32_MTRR_PHYSMASKn), decoded once at Probe time.
type mtrrRange struct {
	base    uint64
	mask    uint64 // already includes the valid bit cleared; see valid
	valid   bool
	memType MemType
}

func (r mtrrRange) covers(pa uint64) bool {
	return r.valid && (pa&r.mask) == (r.base&r.mask)
}

// MTRRResolver implements MemTypeResolver using the host's own MTRR
// configuration, read once at startup via cpuprim.ReadMSR — the same
// precedence rule real firmware and every production EPT hook
// applies: UC overrides everything, WT overrides WB, and anything not
// covered by a variable-range MTRR falls back to the default type.
type MTRRResolver struct {
	ranges      []mtrrRange
	defaultType MemType
	fixedValid  bool
}

// ProbeMTRRs reads IA32_MTRRcap, the default-type MSR, and every
// variable-range MTRR pair the CPU reports, building a resolver ready
// for Tree.MapLargePage/SplitLargePage to consult.
func ProbeMTRRs() *MTRRResolver {
	cap := cpuprim.ReadMSR(cpuprim.MsrIA32MtrrCapability)
	varCount := int(cap & 0xFF)

	defType := cpuprim.ReadMSR(cpuprim.MsrIA32MtrrDefType)
	r := &MTRRResolver{
		defaultType: MemType(defType & 0x7),
		fixedValid:  defType&(1<<10) != 0,
	}

	for i := 0; i < varCount; i++ {
		base := cpuprim.ReadMSR(cpuprim.MsrIA32MtrrPhysBase0 + uint32(2*i))
		mask := cpuprim.ReadMSR(cpuprim.MsrIA32MtrrPhysBase0 + uint32(2*i) + 1)
		const maskValidBit = 1 << 11
		rng := mtrrRange{
			base:    base &^ 0xFFF,
			mask:    mask &^ 0xFFF,
			valid:   mask&maskValidBit != 0,
			memType: MemType(base & 0x7),
		}
		r.ranges = append(r.ranges, rng)
	}
	return r
}

// Resolve implements MemTypeResolver: UC beats WT beats WB among every
// variable-range MTRR covering pa, matching the precedence spec calls
// out explicitly (UC > WT > WB); anything uncovered gets the default
// type.
func (r *MTRRResolver) Resolve(pa cpuprim.PhysAddr) MemType {
	best := r.defaultType
	haveMatch := false
	for _, rng := range r.ranges {
		if !rng.covers(uint64(pa)) {
			continue
		}
		if !haveMatch {
			best = rng.memType
			haveMatch = true
			continue
		}
		best = precedence(best, rng.memType)
	}
	return best
}

// precedence resolves two overlapping MTRR ranges' types to the one
// that wins per SDM Vol 3A Table 11-7: UC wins over everything, WT
// wins over WB, identical types are a no-op, anything else degrades
// to UC (the conservative SDM-mandated fallback for undefined
// overlaps).
func precedence(a, b MemType) MemType {
	if a == b {
		return a
	}
	if a == MemTypeUncacheable || b == MemTypeUncacheable {
		return MemTypeUncacheable
	}
	if (a == MemTypeWriteThrough && b == MemTypeWriteBack) ||
		(a == MemTypeWriteBack && b == MemTypeWriteThrough) {
		return MemTypeWriteThrough
	}
	return MemTypeUncacheable
}

// DescribeMemoryType renders a MemType for diagnostics/the debug log,
// e.g. "WB (default type)" vs "UC (MTRR override)" — supplemented beyond
// a bare Resolve so hvcore.Probe can report what EPTGUARD decided for
// a given physical range without duplicating the precedence logic.
func (r *MTRRResolver) DescribeMemoryType(pa cpuprim.PhysAddr) string {
	t := r.Resolve(pa)
	for _, rng := range r.ranges {
		if rng.covers(uint64(pa)) {
			return t.String() + " (MTRR override)"
		}
	}
	return t.String() + " (default type)"
}
