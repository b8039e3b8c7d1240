// Package transcript holds the domain model shared by every extraction
// stage: timed segments, the wire parsers for Google timed-text payloads,
// content validation, and the pipeline error taxonomy.
package transcript

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"strings"
)

// Segment is one timed span of transcript text. Every stage produces the
// same shape so the orchestrator stays stage-agnostic.
type Segment struct {
	Text     string  `json:"text"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
}

// Join flattens segments into a single text blob.
func Join(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		text := strings.TrimSpace(s.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// MarshalSegments serializes segments to the wire format.
func MarshalSegments(segments []Segment) ([]byte, error) {
	data, err := json.Marshal(segments)
	if err != nil {
		return nil, fmt.Errorf("marshal segments: %w", err)
	}
	return data, nil
}

// UnmarshalSegments parses the wire format back into segments.
func UnmarshalSegments(data []byte) ([]Segment, error) {
	var segments []Segment
	if err := json.Unmarshal(data, &segments); err != nil {
		return nil, fmt.Errorf("unmarshal segments: %w", err)
	}
	return segments, nil
}

// json3Body mirrors the timedtext fmt=json3 payload.
type json3Body struct {
	Events []struct {
		StartMs    int64 `json:"tStartMs"`
		DurationMs int64 `json:"dDurationMs"`
		Segs       []struct {
			UTF8 string `json:"utf8"`
		} `json:"segs"`
	} `json:"events"`
}

// ParseJSON3 parses a timedtext fmt=json3 body into segments. Events
// carrying no renderable text (window styling, newlines only) are dropped.
func ParseJSON3(data []byte) ([]Segment, error) {
	var body json3Body
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parse json3: %w", err)
	}
	var segments []Segment
	for _, ev := range body.Events {
		var b strings.Builder
		for _, seg := range ev.Segs {
			b.WriteString(seg.UTF8)
		}
		text := strings.TrimSpace(b.String())
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Text:     text,
			Start:    float64(ev.StartMs) / 1000,
			Duration: float64(ev.DurationMs) / 1000,
		})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("parse json3: no caption events")
	}
	return segments, nil
}

// xmlBody mirrors the legacy timedtext XML payload.
type xmlBody struct {
	XMLName xml.Name `xml:"transcript"`
	Texts   []struct {
		Start    float64 `xml:"start,attr"`
		Duration float64 `xml:"dur,attr"`
		Value    string  `xml:",chardata"`
	} `xml:"text"`
}

// ParseTimedTextXML parses the legacy <transcript><text …> XML format.
func ParseTimedTextXML(data []byte) ([]Segment, error) {
	var body xmlBody
	if err := xml.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("parse timedtext xml: %w", err)
	}
	var segments []Segment
	for _, t := range body.Texts {
		text := strings.TrimSpace(html.UnescapeString(t.Value))
		if text == "" {
			continue
		}
		segments = append(segments, Segment{
			Text:     text,
			Start:    t.Start,
			Duration: t.Duration,
		})
	}
	if len(segments) == 0 {
		return nil, fmt.Errorf("parse timedtext xml: no text nodes")
	}
	return segments, nil
}

// ParseTimedText sniffs the payload and dispatches to the JSON3 or XML
// parser. The upstream serves either depending on the fmt parameter and,
// occasionally, on its own mood.
func ParseTimedText(data []byte) ([]Segment, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return ParseJSON3(data)
	}
	return ParseTimedTextXML(data)
}
