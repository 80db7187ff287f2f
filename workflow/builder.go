package workflow

import "slices"

// Attachment is an image to upload before submission; the stored filename
// the server returns is wired into Inputs[InputName] of the target node.
type Attachment struct {
	NodeID    string
	InputName string
	Filename  string
	Data      []byte
}

// Builder assembles a workflow for submission: which node outputs to
// collect and under which aliases, which nodes to bypass, and which images
// to upload beforehand. It is the unit the pool accepts for enqueue.
//
// Builders are not safe for concurrent mutation; configure fully, then
// submit.
type Builder struct {
	graph       Graph
	outputNodes []string
	aliases     map[string]string
	bypass      []string
	attachments []Attachment
	hash        string
}

// NewBuilder wraps a deep copy of g.
func NewBuilder(g Graph) *Builder {
	return &Builder{
		graph:   g.Clone(),
		aliases: make(map[string]string),
	}
}

// Output marks nodeID for collection under alias. An empty alias keys the
// output by the node id itself. Repeated calls for the same node update the
// alias without changing collection order.
func (b *Builder) Output(nodeID, alias string) *Builder {
	if alias == "" {
		alias = nodeID
	}
	if !slices.Contains(b.outputNodes, nodeID) {
		b.outputNodes = append(b.outputNodes, nodeID)
	}
	b.aliases[nodeID] = alias
	b.hash = ""
	return b
}

// Bypass marks nodeID for removal at submission time; its consumers are
// rewired to the node's own matching inputs.
func (b *Builder) Bypass(nodeID string) *Builder {
	if !slices.Contains(b.bypass, nodeID) {
		b.bypass = append(b.bypass, nodeID)
	}
	b.hash = ""
	return b
}

// Attach registers an image upload targeting Inputs[inputName] of nodeID.
func (b *Builder) Attach(nodeID, inputName, filename string, data []byte) *Builder {
	b.attachments = append(b.attachments, Attachment{
		NodeID:    nodeID,
		InputName: inputName,
		Filename:  filename,
		Data:      data,
	})
	return b
}

// Set assigns a scalar or wire-reference input on an existing node.
// Unknown nodes are ignored.
func (b *Builder) Set(nodeID, inputName string, value any) *Builder {
	n, ok := b.graph[nodeID]
	if !ok {
		return b
	}
	if n.Inputs == nil {
		n.Inputs = make(map[string]any)
		b.graph[nodeID] = n
	}
	n.Inputs[inputName] = cloneValue(value)
	b.hash = ""
	return b
}

// Graph returns the builder's graph. Callers must treat it as read-only;
// the pool clones it per attempt.
func (b *Builder) Graph() Graph { return b.graph }

// OutputNodes returns the collection order of marked output nodes.
func (b *Builder) OutputNodes() []string {
	return slices.Clone(b.outputNodes)
}

// Aliases returns the nodeID to alias mapping.
func (b *Builder) Aliases() map[string]string {
	out := make(map[string]string, len(b.aliases))
	for k, v := range b.aliases {
		out[k] = v
	}
	return out
}

// BypassNodes returns the nodes marked for bypass.
func (b *Builder) BypassNodes() []string {
	return slices.Clone(b.bypass)
}

// Attachments returns the registered uploads.
func (b *Builder) Attachments() []Attachment {
	return slices.Clone(b.attachments)
}

// Hash returns the structural hash of the current graph, computed once and
// cached until the next mutation. The pool reuses this value for affinity
// routing and failure memory.
func (b *Builder) Hash() string {
	if b.hash == "" {
		b.hash = Hash(b.graph)
	}
	return b.hash
}
