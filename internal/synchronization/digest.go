package synchronization

import (
	"encoding/hex"
	"slices"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"

	"github.com/isometry/vdir/internal/directory"
)

// digestMode encodes with Core Deterministic Encoding: sorted map keys and
// no indefinite lengths, so equal attribute sets hash equally.
var digestMode cbor.EncMode

func init() {
	var err error
	digestMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("synchronization: CBOR encoder initialization failed: " + err.Error())
	}
}

// Digest returns the hex BLAKE3 digest of attrs restricted to names. Names
// are compared without case and values are sorted, so the digest only
// changes when the synchronized data does.
func Digest(attrs directory.Attributes, names []string) (string, error) {
	canonical := make(map[string][]string, len(names))
	for _, name := range names {
		values := attrs.Get(name)
		if len(values) == 0 {
			continue
		}
		sorted := slices.Clone(values)
		slices.Sort(sorted)
		canonical[strings.ToLower(name)] = sorted
	}

	data, err := digestMode.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
