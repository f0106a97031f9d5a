package wire

// Protocol revisions. Version 2 added delta-encoded stream payloads; all
// changes are additive, so every version back to 1 remains accepted.
const (
	// ProtocolVersion is the newest protocol revision this runtime speaks.
	ProtocolVersion = 2

	// MinProtocolVersion is the oldest revision still accepted.
	MinProtocolVersion = 1

	// DeltaMinVersion is the first revision that understands delta-framed
	// stream payloads; older peers receive bare JSON values.
	DeltaMinVersion = 2
)

// VersionRange declares the protocol revisions one side supports.
type VersionRange struct {
	Min int
	Max int
}

// DefaultVersionRange is the range this runtime ships with.
func DefaultVersionRange() VersionRange {
	return VersionRange{Min: MinProtocolVersion, Max: ProtocolVersion}
}

// Negotiate picks the protocol version for a client/server pair:
// min(client.Max, server.Max). It fails when the chosen version falls below
// either side's minimum, i.e. when the declared ranges do not intersect.
func Negotiate(client, server VersionRange) (int, error) {
	negotiated := min(client.Max, server.Max)
	if negotiated < client.Min || negotiated < server.Min {
		return 0, Errorf(KindInvalidEnvelope,
			"no common protocol version: client supports [%d,%d], server supports [%d,%d]",
			client.Min, client.Max, server.Min, server.Max)
	}
	return negotiated, nil
}
