package cef

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNotCEF indicates the line carries no "CEF:<digit>" marker.
	ErrNotCEF = errors.New("not a CEF message")
	// ErrTruncatedHeader indicates the line ended before all header fields were closed.
	ErrTruncatedHeader = errors.New("truncated CEF header")
)

// HeaderNames lists the header fields in wire order.
var HeaderNames = [...]string{
	"Version",
	"DeviceVendor",
	"DeviceProduct",
	"DeviceVersion",
	"SignatureID",
	"Name",
	"Severity",
}

// HeaderFieldCount is the number of fields in a complete CEF header.
const HeaderFieldCount = len(HeaderNames)

// Extension is a single key=value pair from the extension region.
type Extension struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Extensions holds extension pairs in input order. Duplicate keys are kept.
type Extensions []Extension

// Get returns the value of the last pair with the given key.
func (x Extensions) Get(key string) (string, bool) {
	for i := len(x) - 1; i >= 0; i-- {
		if x[i].Key == key {
			return x[i].Value, true
		}
	}
	return "", false
}

// Map returns the pairs as a map. Later duplicates overwrite earlier ones.
func (x Extensions) Map() map[string]string {
	m := make(map[string]string, len(x))
	for _, ext := range x {
		m[ext.Key] = ext.Value
	}
	return m
}

// Keys returns the distinct keys in order of first appearance.
func (x Extensions) Keys() []string {
	seen := make(map[string]bool, len(x))
	keys := make([]string, 0, len(x))
	for _, ext := range x {
		if seen[ext.Key] {
			continue
		}
		seen[ext.Key] = true
		keys = append(keys, ext.Key)
	}
	return keys
}

// Sorted returns a copy ordered by key. Pairs sharing a key keep their input order.
func (x Extensions) Sorted() Extensions {
	out := make(Extensions, len(x))
	copy(out, x)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Event is the result of parsing one line.
// Header fields that were not found in the input are left empty; HeaderCount
// reports how many were present.
type Event struct {
	Version       string
	DeviceVendor  string
	DeviceProduct string
	DeviceVersion string
	SignatureID   string
	Name          string
	Severity      string
	Extensions    Extensions

	headerCount int
}

// HeaderCount returns the number of header fields found, 0 through 7.
func (e *Event) HeaderCount() int {
	return e.headerCount
}

// IsCEF reports whether the line carried a CEF marker.
func (e *Event) IsCEF() bool {
	return e.headerCount > 0
}

// Complete reports whether all seven header fields were found.
func (e *Event) Complete() bool {
	return e.headerCount == HeaderFieldCount
}

// Err classifies the parse outcome for callers that want an error value.
func (e *Event) Err() error {
	switch {
	case e.headerCount == 0:
		return ErrNotCEF
	case e.headerCount < HeaderFieldCount:
		return fmt.Errorf("%w: %d of %d fields", ErrTruncatedHeader, e.headerCount, HeaderFieldCount)
	}
	return nil
}

// Header returns the header field with the given name, and whether it was present.
func (e *Event) Header(name string) (string, bool) {
	for i, n := range HeaderNames {
		if n == name {
			if i >= e.headerCount {
				return "", false
			}
			return *e.headerField(i), true
		}
	}
	return "", false
}

// HeaderValues returns the values of the fields that were found, in order.
func (e *Event) HeaderValues() []string {
	values := make([]string, e.headerCount)
	for i := range values {
		values[i] = *e.headerField(i)
	}
	return values
}

// ByLabel returns the label view of the extensions. See Extensions.ByLabel.
func (e *Event) ByLabel() map[string]string {
	return e.Extensions.ByLabel()
}

// SortedExtensions returns the extensions ordered by key.
func (e *Event) SortedExtensions() Extensions {
	return e.Extensions.Sorted()
}

func (e *Event) headerField(i int) *string {
	switch i {
	case 0:
		return &e.Version
	case 1:
		return &e.DeviceVendor
	case 2:
		return &e.DeviceProduct
	case 3:
		return &e.DeviceVersion
	case 4:
		return &e.SignatureID
	case 5:
		return &e.Name
	case 6:
		return &e.Severity
	}
	panic(fmt.Sprintf("cef: header index %d out of range", i))
}

// setHeader stores the value of the next positional header field.
func (e *Event) setHeader(i int, value string) {
	*e.headerField(i) = value
	e.headerCount = i + 1
}

// MarshalJSON writes the header fields that were found, in wire order,
// followed by the ordered extensions.
func (e *Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i := 0; i < e.headerCount; i++ {
		v, err := json.Marshal(*e.headerField(i))
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, "%q:", HeaderNames[i])
		buf.Write(v)
		buf.WriteByte(',')
	}
	ext := e.Extensions
	if ext == nil {
		ext = Extensions{}
	}
	v, err := json.Marshal(ext)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"extensions":`)
	buf.Write(v)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON restores an Event written by MarshalJSON. The header count is
// the length of the leading run of header fields present in the object.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = Event{}
	for i, name := range HeaderNames {
		v, ok := raw[name]
		if !ok {
			break
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("cef: header %s: %w", name, err)
		}
		e.setHeader(i, s)
	}

	if v, ok := raw["extensions"]; ok {
		if err := json.Unmarshal(v, &e.Extensions); err != nil {
			return fmt.Errorf("cef: extensions: %w", err)
		}
	}
	return nil
}
