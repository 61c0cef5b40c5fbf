// Package dynjson models the balancer's dynamic request/response
// shapes (worker frames, history blobs) as tagged key-value trees, with
// targeted typed views over the handful of fields the balancer actually
// inspects: type, data.prompt_id, data.sid, outputs[*].images[*].
package dynjson

import "encoding/json"

// Node is a structured dynamic tree: a decoded JSON object that keeps
// its original key order opaque but exposes typed lookups for the
// fields callers care about, without requiring a fixed schema.
type Node map[string]any

// Parse decodes raw into a Node.
func Parse(raw []byte) (Node, error) {
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return n, nil
}

// Marshal re-encodes the node.
func (n Node) Marshal() ([]byte, error) { return json.Marshal(map[string]any(n)) }

// Type returns the frame's top-level "type" field.
func (n Node) Type() string { return n.String("type") }

// String returns a top-level string field, or "" if absent/wrong type.
func (n Node) String(key string) string {
	v, ok := n[key].(string)
	if !ok {
		return ""
	}
	return v
}

// Data returns the nested "data" object, or an empty Node if absent.
func (n Node) Data() Node {
	d, ok := n["data"].(map[string]any)
	if !ok {
		return Node{}
	}
	return Node(d)
}

// PromptID returns data.prompt_id, falling back to a top-level
// prompt_id/job_id/promptId for worker protocols that don't nest it.
func (n Node) PromptID() string {
	if id := n.Data().String("prompt_id"); id != "" {
		return id
	}
	for _, key := range []string{"prompt_id", "job_id", "promptId"} {
		if id := n.String(key); id != "" {
			return id
		}
		if id := n.Data().String(key); id != "" {
			return id
		}
	}
	return ""
}

// SID returns the session id field, checked at both the top level and
// inside data.
func (n Node) SID() string {
	if sid := n.String("sid"); sid != "" {
		return sid
	}
	return n.Data().String("sid")
}

// SetPromptID rewrites every occurrence of a matching prompt/job id,
// at the top level and inside data, to newID.
func (n Node) SetPromptID(oldID, newID string) {
	for _, key := range []string{"prompt_id", "job_id", "promptId"} {
		if n.String(key) == oldID {
			n[key] = newID
		}
	}
	data := n.Data()
	for _, key := range []string{"prompt_id", "job_id", "promptId"} {
		if data.String(key) == oldID {
			data[key] = newID
		}
	}
}

// SetSID overwrites the session id field(s) present on the node.
func (n Node) SetSID(sid string) {
	if _, ok := n["sid"]; ok {
		n["sid"] = sid
	}
	if data, ok := n["data"].(map[string]any); ok {
		if _, exists := data["sid"]; exists {
			data["sid"] = sid
		}
	}
}

// Images returns every image reference under outputs[*].images[*],
// the shape the balancer needs for artifact-view diagnostics.
func (n Node) Images() []Node {
	outputs, ok := n.Data()["output"].(map[string]any)
	if !ok {
		return nil
	}
	var out []Node
	for _, v := range outputs {
		entries, ok := v.([]any)
		if !ok {
			continue
		}
		for _, e := range entries {
			if m, ok := e.(map[string]any); ok {
				out = append(out, Node(m))
			}
		}
	}
	return out
}

// WithField returns a shallow copy of n with key set to value, used
// when a caller needs a per-recipient variant (e.g. a per-client sid)
// without mutating the shared original.
func (n Node) WithField(key string, value any) Node {
	out := make(Node, len(n)+1)
	for k, v := range n {
		out[k] = v
	}
	out[key] = value
	return out
}
