// Copyright © 2024 The robotdev authors

package profiler

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.opencensus.io/trace"
)

// JSONExporter writes finished OpenCensus spans to w, one JSON object per
// line.
type JSONExporter struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

var _ trace.Exporter = (*JSONExporter)(nil)

// NewJSONExporter returns an exporter writing to w.
func NewJSONExporter(w io.Writer) *JSONExporter {
	return &JSONExporter{enc: json.NewEncoder(w)}
}

type jsonSpan struct {
	TraceID     string                 `json:"traceId"`
	SpanID      string                 `json:"spanId"`
	ParentID    string                 `json:"parentId,omitempty"`
	Name        string                 `json:"name"`
	Start       time.Time              `json:"start"`
	End         time.Time              `json:"end"`
	DurationMS  float64                `json:"durationMs"`
	Status      int32                  `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	Annotations []jsonAnnotation       `json:"annotations,omitempty"`
}

type jsonAnnotation struct {
	Time       time.Time              `json:"time"`
	Message    string                 `json:"message"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ExportSpan implements trace.Exporter.
func (e *JSONExporter) ExportSpan(s *trace.SpanData) {
	out := jsonSpan{
		TraceID:    s.TraceID.String(),
		SpanID:     s.SpanID.String(),
		Name:       s.Name,
		Start:      s.StartTime,
		End:        s.EndTime,
		DurationMS: float64(s.EndTime.Sub(s.StartTime)) / float64(time.Millisecond),
		Status:     s.Code,
		Message:    s.Message,
		Attributes: s.Attributes,
	}
	if s.ParentSpanID != (trace.SpanID{}) {
		out.ParentID = s.ParentSpanID.String()
	}
	for _, a := range s.Annotations {
		out.Annotations = append(out.Annotations, jsonAnnotation{Time: a.Time, Message: a.Message, Attributes: a.Attributes})
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return
	}
	e.err = e.enc.Encode(out)
}

// Err returns the first write error, if any.
func (e *JSONExporter) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
