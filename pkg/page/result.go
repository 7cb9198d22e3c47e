package page

import (
	"encoding/json"
	"strconv"
)

// Kind tells which shape a Result has.
type Kind int

const (
	// KindMetadata carries only a Status; there is no body.
	KindMetadata Kind = iota
	// KindRaw carries origin bytes, possibly link-rewritten.
	KindRaw
	// KindText carries a decoded body and a Status.
	KindText
	// KindNetworkFailure means no response was obtained at all.
	KindNetworkFailure
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindRaw:
		return "raw"
	case KindText:
		return "text"
	case KindNetworkFailure:
		return "network_failure"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Status describes the origin response. For network failures only Error is
// set.
type Status struct {
	URL           string
	HTTPCode      int
	ContentType   string
	ContentLength int
	Error         string
}

// Failed reports whether the status describes a fetch that got no response.
func (s Status) Failed() bool {
	return s.Error != ""
}

// Fields returns the status as a loosely typed map, in the same shape it is
// marshaled to JSON.
func (s Status) Fields() map[string]any {
	if s.Failed() {
		return map[string]any{"error": s.Error}
	}
	fields := map[string]any{
		"url":            s.URL,
		"http_code":      s.HTTPCode,
		"content_length": s.ContentLength,
	}
	if s.ContentType != "" {
		fields["content_type"] = s.ContentType
	}
	return fields
}

func (s Status) MarshalJSON() ([]byte, error) {
	if s.Failed() {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{s.Error})
	}
	return json.Marshal(struct {
		URL           string `json:"url"`
		HTTPCode      int    `json:"http_code"`
		ContentType   string `json:"content_type,omitempty"`
		ContentLength int    `json:"content_length"`
	}{s.URL, s.HTTPCode, s.ContentType, s.ContentLength})
}

// Result is the uniform output of the page pipeline.
//
// ContentLength always equals len(Content) for body carrying kinds; it is
// computed after charset decoding and link rewriting, never copied from the
// origin's Content-Length header.
type Result struct {
	Kind            Kind
	Content         []byte
	ContentType     string
	ContentEncoding string
	ContentLength   int
	Status          Status
}

// HasStatus reports whether the result exposes a structured status object to
// callers. Raw results only carry the status for the response assembler.
func (r *Result) HasStatus() bool {
	return r.Kind != KindRaw
}

// MarshalJSON renders metadata results as the bare status object and every
// other kind as {contents, status}. Failed fetches get a null contents field.
func (r *Result) MarshalJSON() ([]byte, error) {
	if r.Kind == KindMetadata {
		return json.Marshal(r.Status)
	}

	var contents *string
	if r.Kind != KindNetworkFailure {
		s := string(r.Content)
		contents = &s
	}
	return json.Marshal(struct {
		Contents *string `json:"contents"`
		Status   Status  `json:"status"`
	}{contents, r.Status})
}

// newResult copies resp into a Result. Content-Encoding survives only when the
// body is still encoded, which the fetcher signals by keeping the header.
func newResult(kind Kind, resp *Response, url string) *Result {
	contentType := resp.Header.Get("Content-Type")
	return &Result{
		Kind:            kind,
		Content:         resp.Body,
		ContentType:     contentType,
		ContentEncoding: resp.Header.Get("Content-Encoding"),
		ContentLength:   len(resp.Body),
		Status: Status{
			URL:           url,
			HTTPCode:      resp.StatusCode,
			ContentType:   contentType,
			ContentLength: len(resp.Body),
		},
	}
}

func (r *Result) setContent(body []byte) {
	r.Content = body
	r.ContentLength = len(body)
	r.Status.ContentLength = len(body)
}
