package groups

import (
	"bytes"
	"encoding/json"
)

type exportFile struct {
	Groups []Group `json:"groups"`
}

// EncodeDocument renders a snapshot as the remote account document: a JSON
// object keyed by group id.
func EncodeDocument(in []Group) ([]byte, error) {
	doc := make(map[string]Group, len(in))
	for _, g := range Normalize(in) {
		doc[g.ID] = g
	}
	return json.Marshal(doc)
}

// DecodeDocument parses a remote account document. An empty body or JSON
// null is an empty snapshot. Groups missing an items array get an empty one.
func DecodeDocument(data []byte) ([]Group, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return []Group{}, nil
	}
	if err := ValidateDocument(data); err != nil {
		return nil, err
	}
	var doc map[string]Group
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, invalidf("decode document: %v", err)
	}
	out := make([]Group, 0, len(doc))
	for key, g := range doc {
		if g.ID == "" {
			g.ID = key
		}
		out = append(out, g)
	}
	out = SortByOrder(Normalize(out))
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Export renders the snapshot as an indented {"groups": [...]} file.
func Export(in []Group) ([]byte, error) {
	return json.MarshalIndent(exportFile{Groups: Normalize(in)}, "", "  ")
}

// Import parses an export file, rejecting anything without a groups array.
func Import(data []byte) ([]Group, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, invalidf("invalid data format: %v", err)
	}
	raw, ok := fields["groups"]
	if !ok || len(bytes.TrimSpace(raw)) == 0 || bytes.TrimSpace(raw)[0] != '[' {
		return nil, invalidf("invalid data format: missing groups array")
	}
	if err := ValidateExport(data); err != nil {
		return nil, err
	}
	var file exportFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, invalidf("invalid data format: %v", err)
	}
	out := Normalize(file.Groups)
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}
