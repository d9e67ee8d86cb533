package fetchapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Response is the envelope returned for every JSON call. Bodies that carry
// their own "status" key pass through untouched; anything else is wrapped
// as Data.
type Response struct {
	Status  bool            `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
	URL     string          `json:"url,omitempty"`

	body json.RawMessage
}

// ErrBackend is returned by Response.Err for failed envelopes.
var ErrBackend = errors.New(BackendErrorMessage)

func failure(responseURL string) Response {
	return Response{Status: false, Message: BackendErrorMessage, URL: responseURL}
}

func parseBody(data []byte, responseURL string) Response {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Response{Status: true, URL: responseURL}
	}
	if !json.Valid(trimmed) {
		return failure(responseURL)
	}

	var fields map[string]json.RawMessage
	if trimmed[0] == '{' && json.Unmarshal(trimmed, &fields) == nil {
		if rawStatus, ok := fields["status"]; ok {
			out := Response{Status: truthy(rawStatus), body: append(json.RawMessage(nil), trimmed...)}
			if d, ok := fields["data"]; ok {
				out.Data = d
			} else {
				out.Data = out.body
			}
			if m, ok := fields["message"]; ok {
				_ = json.Unmarshal(m, &out.Message)
			}
			if u, ok := fields["url"]; ok {
				_ = json.Unmarshal(u, &out.URL)
			}
			return out
		}
	}
	return Response{Status: true, Data: append(json.RawMessage(nil), trimmed...), URL: responseURL}
}

func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "false" && t != "error"
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}

// Err reports a failed envelope.
func (r Response) Err() error {
	if r.Status {
		return nil
	}
	if r.Message != "" && r.Message != BackendErrorMessage {
		return fmt.Errorf("%w: %s", ErrBackend, r.Message)
	}
	return ErrBackend
}

// Decode unmarshals the payload into v. For pass-through bodies without a
// "data" key the whole body is decoded.
func (r Response) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	if len(r.Data) == 0 {
		return errors.New("fetchapi: empty response payload")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("fetchapi: decode payload: %w", err)
	}
	return nil
}

// Passthrough reports whether the backend supplied its own status envelope.
func (r Response) Passthrough() bool {
	return len(r.body) > 0
}

// MarshalJSON re-emits pass-through bodies verbatim.
func (r Response) MarshalJSON() ([]byte, error) {
	if len(r.body) > 0 {
		return r.body, nil
	}
	type envelope Response
	return json.Marshal(envelope(r))
}
