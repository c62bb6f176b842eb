package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-care-sensor/modules/capturepipe/internal/frame"
)

// StageResult is the outcome of one stage for one frame.
type StageResult struct {
	Stage     int      `json:"stage" msgpack:"stage"`
	Name      string   `json:"name" msgpack:"name"`
	Requested bool     `json:"requested" msgpack:"requested"`
	State     string   `json:"state" msgpack:"state"`
	Src       string   `json:"src" msgpack:"src"`
	Dst       []string `json:"dst,omitempty" msgpack:"dst,omitempty"`
	Error     string   `json:"error,omitempty" msgpack:"error,omitempty"`
	ElapsedMS float64  `json:"elapsed_ms,omitempty" msgpack:"elapsed_ms,omitempty"`
}

// Result is the capture result published for every completed frame.
type Result struct {
	Frame     uint64         `json:"frame" msgpack:"frame"`
	TraceID   string         `json:"trace_id" msgpack:"trace_id"`
	Variant   string         `json:"variant" msgpack:"variant"`
	Complete  bool           `json:"complete" msgpack:"complete"`
	Failed    bool           `json:"failed" msgpack:"failed"`
	CreatedAt time.Time      `json:"created_at" msgpack:"created_at"`
	LatencyMS float64        `json:"latency_ms" msgpack:"latency_ms"`
	Stages    []StageResult  `json:"stages" msgpack:"stages"`
	Meta      map[string]any `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

// FromFrame snapshots a frame into a Result.
func FromFrame(f *frame.Frame) Result {
	r := Result{
		Frame:     f.Count(),
		TraceID:   f.TraceID(),
		Variant:   f.Variant(),
		Complete:  f.IsComplete(),
		Failed:    f.Failed(),
		CreatedAt: f.CreatedAt(),
		LatencyMS: ms(time.Since(f.CreatedAt())),
	}

	for _, e := range f.Entities() {
		sr := StageResult{
			Stage:     int(e.Stage),
			Name:      e.Name,
			Requested: e.Requested,
			State:     e.State.String(),
			Src:       e.Src.String(),
		}
		for _, d := range e.Dst {
			sr.Dst = append(sr.Dst, d.String())
		}
		if e.Err != nil {
			sr.Error = e.Err.Error()
		}
		if !e.StartedAt.IsZero() && e.FinishedAt.After(e.StartedAt) {
			sr.ElapsedMS = ms(e.FinishedAt.Sub(e.StartedAt))
		}
		r.Stages = append(r.Stages, sr)
	}

	if keys := f.MetaKeys(); len(keys) > 0 {
		r.Meta = make(map[string]any, len(keys))
		for _, k := range keys {
			v, _ := f.Meta(k)
			r.Meta[k] = v
		}
	}
	return r
}

// Payload encodings.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// ToJSON encodes the result.
func (r Result) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// Encode marshals the result with the named encoding.
func (r Result) Encode(encoding string) ([]byte, error) {
	switch encoding {
	case EncodingJSON, "":
		return r.ToJSON()
	case EncodingMsgpack:
		return msgpack.Marshal(r)
	default:
		return nil, fmt.Errorf("emitter: unknown encoding %q", encoding)
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
