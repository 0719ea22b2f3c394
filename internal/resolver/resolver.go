// Package resolver maps operator device mentions to canonical device ids.
//
// Matching runs in a fixed order and stops at the first stage that
// produces anything:
//
//  1. exact canonical id ("motor_x")
//  2. alias ("sample x", "camera"), narrowed by the expected category
//  3. category noun ("the detector"), every device of that category
//  4. fuzzy subsequence match within the expected category
//
// More than one surviving device is Ambiguous with the sorted candidate
// ids. The resolver never picks one of several matches.
package resolver

import (
	"slices"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sahilm/fuzzy"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/baitchat/internal/ir"
	"github.com/roach88/baitchat/internal/registry"
)

// Status is the result class of a resolution.
type Status string

const (
	Resolved  Status = "resolved"
	Ambiguous Status = "ambiguous"
	NotFound  Status = "not_found"
)

// Resolution is the outcome of resolving one mention.
type Resolution struct {
	Status     Status
	Device     ir.DeviceRef // set when Resolved
	Candidates []string     // sorted device ids, set when Ambiguous
	Stage      string       // "id", "alias", "category", "fuzzy"
}

// MinFuzzyLength is the shortest mention that may match fuzzily. Shorter
// mentions match every device name containing their letters.
const MinFuzzyLength = 3

// DefaultCacheSize bounds the resolution cache.
const DefaultCacheSize = 1024

// categoryNouns maps the words operators use for a whole category.
var categoryNouns = map[string]ir.Category{
	"motor":     ir.CategoryMotor,
	"motors":    ir.CategoryMotor,
	"detector":  ir.CategoryDetector,
	"detectors": ir.CategoryDetector,
	"shutter":   ir.CategoryShutter,
	"shutters":  ir.CategoryShutter,
}

// CategoryOfNoun reports the category a bare noun names, e.g. "detector".
func CategoryOfNoun(word string) (ir.Category, bool) {
	c, ok := categoryNouns[word]
	return c, ok
}

type cacheKey struct {
	fingerprint string
	category    ir.Category
	mention     string
}

// Resolver resolves mentions against a registry snapshot. Results are
// cached per snapshot fingerprint, so a reload never serves stale entries.
//
// Thread-safety: Resolver is safe for concurrent use.
type Resolver struct {
	cache *lru.Cache[cacheKey, Resolution]
}

// New creates a Resolver with a cache of size entries.
func New(size int) *Resolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[cacheKey, Resolution](size)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Resolver{cache: cache}
}

// Normalize is the form mentions and aliases are compared in: NFC,
// lower case, leading article dropped, underscores and runs of spaces
// collapsed to one space.
func Normalize(s string) string {
	s = strings.ToLower(norm.NFC.String(s))
	s = strings.ReplaceAll(s, "_", " ")
	fields := strings.Fields(s)
	if len(fields) > 1 && fields[0] == "the" {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// Resolve maps mention to a device. category narrows alias and fuzzy
// matching when the parameter declares one; an exact id is returned
// regardless of category so the caller can report the mismatch.
func (r *Resolver) Resolve(snap *registry.Snapshot, mention string, category ir.Category) Resolution {
	key := cacheKey{fingerprint: snap.Fingerprint(), category: category, mention: mention}
	if res, ok := r.cache.Get(key); ok {
		return res
	}
	res := resolve(snap, mention, category)
	r.cache.Add(key, res)
	return res
}

func resolve(snap *registry.Snapshot, mention string, category ir.Category) Resolution {
	raw := strings.ToLower(strings.TrimSpace(norm.NFC.String(mention)))
	if raw == "" {
		return Resolution{Status: NotFound}
	}
	if d, ok := snap.Device(raw); ok {
		return Resolution{Status: Resolved, Device: d, Stage: "id"}
	}

	key := Normalize(mention)
	devices := snap.Devices()

	// Ids written with spaces ("motor x") count as the id.
	for _, d := range devices {
		if Normalize(d.ID) == key {
			return Resolution{Status: Resolved, Device: d, Stage: "id"}
		}
	}

	var aliased []ir.DeviceRef
	for _, d := range devices {
		for _, a := range d.Aliases {
			if Normalize(a) == key {
				aliased = append(aliased, d)
				break
			}
		}
	}
	if len(aliased) > 1 && category != "" {
		aliased = inCategory(aliased, category)
	}
	if len(aliased) > 0 {
		return pick(snap, aliased, "alias")
	}

	if c, ok := categoryNouns[key]; ok {
		return pick(snap, snap.DevicesIn(c), "category")
	}

	if len(key) < MinFuzzyLength {
		return Resolution{Status: NotFound}
	}
	pool := devices
	if category != "" {
		pool = inCategory(pool, category)
	}
	return pick(snap, fuzzyMatch(key, pool), "fuzzy")
}

// fuzzyMatch returns the devices whose id or an alias reaches the best
// subsequence score for key.
func fuzzyMatch(key string, pool []ir.DeviceRef) []ir.DeviceRef {
	var (
		names  []string
		owners []int
	)
	for i, d := range pool {
		names = append(names, Normalize(d.ID))
		owners = append(owners, i)
		for _, a := range d.Aliases {
			names = append(names, Normalize(a))
			owners = append(owners, i)
		}
	}

	matches := fuzzy.Find(key, names)
	if len(matches) == 0 {
		return nil
	}
	best := matches[0].Score
	seen := make(map[int]bool)
	var out []ir.DeviceRef
	for _, m := range matches {
		if m.Score != best {
			break
		}
		idx := owners[m.Index]
		if !seen[idx] {
			seen[idx] = true
			out = append(out, pool[idx])
		}
	}
	return out
}

func inCategory(devices []ir.DeviceRef, c ir.Category) []ir.DeviceRef {
	var out []ir.DeviceRef
	for _, d := range devices {
		if d.Category == c {
			out = append(out, d)
		}
	}
	return out
}

func pick(snap *registry.Snapshot, devices []ir.DeviceRef, stage string) Resolution {
	switch len(devices) {
	case 0:
		return Resolution{Status: NotFound}
	case 1:
		return Resolution{Status: Resolved, Device: devices[0], Stage: stage}
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)
	if len(ids) == 1 {
		d, _ := snap.Device(ids[0])
		return Resolution{Status: Resolved, Device: d, Stage: stage}
	}
	return Resolution{Status: Ambiguous, Candidates: ids, Stage: stage}
}
