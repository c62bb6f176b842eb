package geometry

// Region is one crop+scale step: Input is cut from the rectangle the block
// reads and scaled to Output. A non-empty Source names the region whose
// output Input is cut from, for chained scaler outputs.
type Region struct {
	Tap    string `json:"tap,omitempty"`
	Source string `json:"source,omitempty"`
	Input  Rect   `json:"input"`
	Output Rect   `json:"output"`
}

// NodeGroup is the per-stage geometry descriptor: the leader region used by
// the stage's primary input plus one region per capture (output) port.
type NodeGroup struct {
	Leader  Region   `json:"leader"`
	Capture []Region `json:"capture,omitempty"`
}

// Port returns the capture region bound to an output port.
func (ng NodeGroup) Port(i int) (Region, bool) {
	if i < 0 || i >= len(ng.Capture) {
		return Region{}, false
	}
	return ng.Capture[i], true
}

// CaptureFor returns the capture region for a named tap.
func (ng NodeGroup) CaptureFor(tap string) (Region, bool) {
	for _, r := range ng.Capture {
		if r.Tap == tap {
			return r, true
		}
	}
	return Region{}, false
}

// Ref names a resolved region. With Pass set the reference resolves to the
// identity region over the named region's output, i.e. what a downstream
// block reads when it consumes that output unmodified.
type Ref struct {
	Name string
	Pass bool
}

// At references a resolved region as is.
func At(name string) Ref { return Ref{Name: name} }

// Through references the identity region over a resolved region's output.
func Through(name string) Ref { return Ref{Name: name, Pass: true} }
