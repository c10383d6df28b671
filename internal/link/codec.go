package link

import (
	"encoding/json"
	"fmt"

	"meshmon/internal/model"
)

// StatusRequest is the line sent to the gateway to ask for its current
// node table. The gateway answers with one newline-terminated JSON
// document; frame decoding below that document is the gateway firmware's
// concern, not ours.
var StatusRequest = []byte("NODES\n")

// nodeDocument is the decoded status response shape.
type nodeDocument struct {
	Nodes []model.RawNodeReport `json:"nodes"`
}

// ParseNodeDocument decodes one status document. A malformed document is
// a protocol error; malformed individual fields inside an otherwise valid
// document are the registry's problem, not the link's.
func ParseNodeDocument(line []byte) ([]model.RawNodeReport, error) {
	var doc nodeDocument
	if err := json.Unmarshal(line, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return doc.Nodes, nil
}

// EncodeNodeDocument is the inverse of ParseNodeDocument. Used by test
// gateways and the snapshot tooling.
func EncodeNodeDocument(reports []model.RawNodeReport) ([]byte, error) {
	data, err := json.Marshal(nodeDocument{Nodes: reports})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
