package comm

const (
	labelWorld    = "world"
	labelRank     = "rank"
	labelPeer     = "peer"
	labelKind     = "kind"
	labelRole     = "role"
	labelOutcome  = "outcome"
)

const (
	kindSegment = "segment"
	kindChannel = "channel"
)
