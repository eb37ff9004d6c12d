// Package pipeline defines the domain model of the fix pipeline: stage kinds,
// the static topology, task and build records, stage payloads and the handler
// contract. It has no persistence or transport dependencies so every other
// package can import it.
package pipeline

// Kind identifies a stage in the fix pipeline.
type Kind string

const (
	KindPlan     Kind = "plan"
	KindRepo     Kind = "repo"
	KindRetrieve Kind = "retrieve"
	KindPatch    Kind = "patch"
	KindValidate Kind = "validate"
	KindCreatePR Kind = "create_pr"
	KindNotify   Kind = "notify"
)

// Kinds lists all stage kinds in dispatch order. The dispatcher iterates this
// slice each tick, so the order is fixed and deterministic.
var Kinds = []Kind{KindPlan, KindRepo, KindRetrieve, KindPatch, KindValidate, KindCreatePR, KindNotify}

// successors encodes the static pipeline topology. A kind missing from the
// map is terminal.
var successors = map[Kind]Kind{
	KindPlan:     KindRepo,
	KindRepo:     KindRetrieve,
	KindRetrieve: KindPatch,
	KindPatch:    KindValidate,
	KindValidate: KindCreatePR,
	KindCreatePR: KindNotify,
}

// Successor returns the stage that follows k on success, or false when k is
// terminal.
func Successor(k Kind) (Kind, bool) {
	next, ok := successors[k]
	return next, ok
}

// Valid reports whether k names a known stage kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// EntryKind is the first stage enqueued for a freshly ingested build.
const EntryKind = KindPlan
