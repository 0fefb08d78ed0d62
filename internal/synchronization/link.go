package synchronization

import (
	"github.com/isometry/vdir/internal/directory"
)

// Link attributes kept on target entries.
const (
	AttrLinkSource    = "vdirLinkSource"
	AttrLinkState     = "vdirLinkState"
	AttrLinkID        = "vdirLinkID"
	AttrSyncDigest    = "vdirSyncDigest"
	AttrSyncAttribute = "vdirSyncAttribute"

	ObjectClassLinked = "vdirLinked"
)

// LinkState is the state of a link.
type LinkState string

const (
	StateLinked        LinkState = "linked"
	StateUnlinked      LinkState = "unlinked"
	StatePendingImport LinkState = "pending-import"
	StateOrphaned      LinkState = "orphaned"
)

// LinkingData pairs a source entry with a target entry. It is stored as
// attributes of the target and read back from target searches.
type LinkingData struct {
	SourceDN string    `json:"source_dn"`
	TargetDN string    `json:"target_dn"`
	State    LinkState `json:"state"`
	ID       string    `json:"id,omitempty"`
	Digest   string    `json:"digest,omitempty"`
}

// LinkOf reads the linking data of a target record.
func LinkOf(rec *directory.Record) (LinkingData, bool) {
	source := rec.Attributes.First(AttrLinkSource)
	if source == "" {
		return LinkingData{}, false
	}
	return LinkingData{
		SourceDN: source,
		TargetDN: rec.DN,
		State:    LinkState(rec.Attributes.First(AttrLinkState)),
		ID:       rec.Attributes.First(AttrLinkID),
		Digest:   rec.Attributes.First(AttrSyncDigest),
	}, true
}

// Active reports whether the link is maintained by synchronization runs.
func (l LinkingData) Active() bool {
	return l.State == StateLinked || l.State == StatePendingImport
}
