package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ftpferry/ftpferry/internal/pathutil"
)

// nameGenerator produces deterministic autorename candidates for one
// target name. Phase 0 counts on the original name ("name (2).ext",
// "name (3).ext", ...); phase 1 sanitizes characters servers commonly
// reject and counts on the sanitized name. A name that already carries a
// counter continues from the next number instead of stacking a second
// one. The per-phase counter is capped so a pathological listing cannot
// spin the generator forever; past the cap the generator advances to the
// next phase and finally reports exhaustion.
type nameGenerator struct {
	base  string
	phase int
	next  int // counter for the upcoming candidate, 0 = plain name first
}

const (
	generatorPhases = 2
	maxNameCounter  = 10000
)

// newNameGenerator resumes from a previously stored phase (0 for a fresh
// item). A negative phase is already exhausted.
func newNameGenerator(name string, phase int) *nameGenerator {
	g := &nameGenerator{base: name, phase: phase}
	if base, n, ok := splitNameCounter(name); ok {
		// "name (2).ext" continues as "name (3).ext"; the candidate for
		// counter value n is rendered as n+1.
		g.base = base
		g.next = n
	}
	return g
}

// generate returns the next candidate. ok is false when all phases are
// exhausted.
func (g *nameGenerator) generate() (candidate string, ok bool) {
	for g.phase >= 0 && g.phase < generatorPhases {
		name := g.phaseBase()
		if g.next > maxNameCounter {
			g.phase++
			g.next = 0
			continue
		}
		n := g.next
		g.next++
		if n == 0 {
			// The phase's plain name; for phase 0 that is the original,
			// already known to collide, so skip straight to counters.
			if g.phase == 0 {
				continue
			}
			if name != g.base && pathutil.IsValidNameComponent(name) {
				return name, true
			}
			continue
		}
		stem, ext := pathutil.SplitExt(name)
		c := fmt.Sprintf("%s (%d)%s", stem, n+1, ext)
		if len(c) <= pathutil.MaxNameLen {
			return c, true
		}
		// Too long with this counter; trim the stem to make room.
		room := pathutil.MaxNameLen - len(c) + len(stem)
		if room < 1 {
			g.phase++
			g.next = 0
			continue
		}
		return fmt.Sprintf("%s (%d)%s", stem[:room], n+1, ext), true
	}
	g.phase = -1
	return "", false
}

// currentPhase reports the phase to persist on the item, -1 when
// exhausted.
func (g *nameGenerator) currentPhase() int { return g.phase }

func (g *nameGenerator) phaseBase() string {
	if g.phase == 0 {
		return g.base
	}
	return pathutil.SanitizeNameComponent(g.base)
}

// splitNameCounter recognizes "name (7).ext" and returns "name.ext", 7.
func splitNameCounter(name string) (base string, n int, ok bool) {
	stem, ext := pathutil.SplitExt(name)
	open := strings.LastIndex(stem, " (")
	if open < 0 || !strings.HasSuffix(stem, ")") {
		return "", 0, false
	}
	num := stem[open+2 : len(stem)-1]
	v, err := strconv.Atoi(num)
	if err != nil || v < 1 {
		return "", 0, false
	}
	return stem[:open] + ext, v, true
}
