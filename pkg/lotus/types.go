package lotus

import (
	"encoding/json"
	"strings"
)

// Head change types reported by ChainNotify.
const (
	HeadChangeCurrent = "current"
	HeadChangeApply   = "apply"
	HeadChangeRevert  = "revert"
)

// VersionInfo is the result of Filecoin.Version.
type VersionInfo struct {
	Version    string
	APIVersion uint32
	BlockDelay uint64
}

// Cid is a content identifier in its JSON link form: {"/": "bafy..."}.
type Cid struct {
	Root string `json:"/"`
}

func (c Cid) String() string {
	return c.Root
}

// BlockHeader holds the block header fields this package reads.
type BlockHeader struct {
	Miner         string
	Height        int64
	Timestamp     uint64
	ParentBaseFee string
}

// TipSet is a chain tipset as returned by the node.
type TipSet struct {
	Cids   []Cid
	Blocks []BlockHeader
	Height int64
}

// Key identifies the tipset by its block cids.
func (ts *TipSet) Key() string {
	if ts == nil {
		return ""
	}
	roots := make([]string, len(ts.Cids))
	for i, c := range ts.Cids {
		roots[i] = c.Root
	}
	return strings.Join(roots, ",")
}

// HeadChange is one entry of a ChainNotify push.
type HeadChange struct {
	Type string
	Val  *TipSet
}

// MpoolUpdate is one MpoolSub push. Type is 0 for an added message and 1
// for a removed one.
type MpoolUpdate struct {
	Type    int
	Message json.RawMessage
}
