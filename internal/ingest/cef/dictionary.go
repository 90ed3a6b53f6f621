package cef

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Standard CEF extension dictionary
// Reference: https://www.microfocus.com/documentation/arcsight/arcsight-smartconnectors-8.4/cef-implementation-standard/

// Dictionary names as published by the implementation standard.
const (
	DictionaryProducer = "producer"
	DictionaryConsumer = "consumer"
)

// invalidKeyChars matches characters that never appear in extension keys.
var invalidKeyChars = regexp.MustCompile(`[^0-9a-zA-Z]`)

// FieldLength is a declared maximum length. Published dictionaries encode it
// as a number, a numeric string, or an empty string.
type FieldLength int

// UnmarshalJSON accepts numbers and strings.
func (l *FieldLength) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*l = FieldLength(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("field length: %w", err)
	}
	*l = parseLength(s)
	return nil
}

// UnmarshalYAML accepts numbers and strings.
func (l *FieldLength) UnmarshalYAML(value *yaml.Node) error {
	*l = parseLength(value.Value)
	return nil
}

func parseLength(s string) FieldLength {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return FieldLength(n)
}

// FieldInfo describes a CEF extension key. It is informational only; the
// parser never checks values against it.
type FieldInfo struct {
	Key         string      `json:"key,omitempty" yaml:"key,omitempty"`
	Dictionary  string      `json:"dictionaryName,omitempty" yaml:"dictionary,omitempty"`
	Version     string      `json:"version,omitempty" yaml:"version,omitempty"`
	FullName    string      `json:"fullName" yaml:"full_name"`
	DataType    string      `json:"dataType" yaml:"data_type"`
	Length      FieldLength `json:"length,omitempty" yaml:"length,omitempty"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string      `json:"category,omitempty" yaml:"category,omitempty"`
}

// Dictionary maps extension keys to their descriptions. It is not modified
// after construction and is safe for concurrent use.
type Dictionary struct {
	fields map[string]FieldInfo
}

// NewDictionary builds a dictionary from the given fields. Keys are stripped
// of anything but ASCII letters and digits; later fields replace earlier ones.
func NewDictionary(fields ...FieldInfo) *Dictionary {
	d := &Dictionary{fields: make(map[string]FieldInfo, len(fields))}
	for _, f := range fields {
		f.Key = SanitizeKey(f.Key)
		if f.Key == "" {
			continue
		}
		d.fields[f.Key] = f
	}
	return d
}

// SanitizeKey removes characters that cannot appear in an extension key.
func SanitizeKey(key string) string {
	return invalidKeyChars.ReplaceAllString(key, "")
}

// Lookup returns the description of a key.
func (d *Dictionary) Lookup(key string) (FieldInfo, bool) {
	if d == nil {
		return FieldInfo{}, false
	}
	f, ok := d.fields[key]
	return f, ok
}

// Len returns the number of keys.
func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.fields)
}

// Keys returns all keys in sorted order.
func (d *Dictionary) Keys() []string {
	if d == nil {
		return nil
	}
	keys := make([]string, 0, len(d.fields))
	for k := range d.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns all entries sorted by key.
func (d *Dictionary) Fields() []FieldInfo {
	keys := d.Keys()
	fields := make([]FieldInfo, len(keys))
	for i, k := range keys {
		fields[i] = d.fields[k]
	}
	return fields
}

// Merge returns a new dictionary holding d's entries overlaid with other's.
func (d *Dictionary) Merge(other *Dictionary) *Dictionary {
	merged := &Dictionary{fields: make(map[string]FieldInfo, d.Len()+other.Len())}
	if d != nil {
		for k, f := range d.fields {
			merged.fields[k] = f
		}
	}
	if other != nil {
		for k, f := range other.fields {
			merged.fields[k] = f
		}
	}
	return merged
}

// LoadDictionary reads a dictionary file. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dictionary: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseDictionaryYAML(data)
	default:
		return ParseDictionaryJSON(data)
	}
}

// LoadDictionaries overlays each file, in order, on the built-in dictionary.
func LoadDictionaries(paths ...string) (*Dictionary, error) {
	dict := DefaultDictionary()
	for _, path := range paths {
		extra, err := LoadDictionary(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		dict = dict.Merge(extra)
	}
	return dict, nil
}

// ParseDictionaryJSON decodes a JSON object keyed by extension key.
func ParseDictionaryJSON(data []byte) (*Dictionary, error) {
	var raw map[string]FieldInfo
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse dictionary: %w", err)
	}
	return fromMap(raw), nil
}

// ParseDictionaryYAML decodes a YAML mapping keyed by extension key.
func ParseDictionaryYAML(data []byte) (*Dictionary, error) {
	var raw map[string]FieldInfo
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse dictionary: %w", err)
	}
	return fromMap(raw), nil
}

func fromMap(raw map[string]FieldInfo) *Dictionary {
	fields := make([]FieldInfo, 0, len(raw))
	for key, f := range raw {
		f.Key = key
		fields = append(fields, f)
	}
	// Stable result when two raw keys sanitise to the same key.
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })
	return NewDictionary(fields...)
}

// Data types used by the implementation standard.
const (
	TypeString    = "String"
	TypeInteger   = "Integer"
	TypeLong      = "Long"
	TypeFloat     = "Floating Point"
	TypeIP        = "IP Address"
	TypeIPv6      = "IPv6 Address"
	TypeMAC       = "MAC Address"
	TypeTimestamp = "Time Stamp"
)

func field(key, fullName, dataType string, length int, category, description string) FieldInfo {
	return FieldInfo{
		Key:         key,
		Dictionary:  DictionaryProducer,
		Version:     "0",
		FullName:    fullName,
		DataType:    dataType,
		Length:      FieldLength(length),
		Description: description,
		Category:    category,
	}
}

// DefaultDictionary returns the commonly used producer keys.
func DefaultDictionary() *Dictionary {
	fields := []FieldInfo{
		// Source fields
		field("src", "sourceAddress", TypeIP, 0, "source", "Source IP address"),
		field("spt", "sourcePort", TypeInteger, 0, "source", "Source port"),
		field("smac", "sourceMacAddress", TypeMAC, 0, "source", "Source MAC address"),
		field("shost", "sourceHostName", TypeString, 1023, "source", "Source hostname"),
		field("suser", "sourceUserName", TypeString, 1023, "source", "Source user name"),
		field("suid", "sourceUserId", TypeString, 1023, "source", "Source user ID"),
		field("spid", "sourceProcessId", TypeInteger, 0, "source", "Source process ID"),
		field("sproc", "sourceProcessName", TypeString, 1023, "source", "Source process name"),
		field("spriv", "sourceUserPrivileges", TypeString, 1023, "source", "Source user privileges"),
		field("sntdom", "sourceNtDomain", TypeString, 255, "source", "Source Windows domain"),
		field("sourceTranslatedAddress", "sourceTranslatedAddress", TypeIP, 0, "source", "Source address after NAT"),

		// Destination fields
		field("dst", "destinationAddress", TypeIP, 0, "destination", "Destination IP address"),
		field("dpt", "destinationPort", TypeInteger, 0, "destination", "Destination port"),
		field("dmac", "destinationMacAddress", TypeMAC, 0, "destination", "Destination MAC address"),
		field("dhost", "destinationHostName", TypeString, 1023, "destination", "Destination hostname"),
		field("duser", "destinationUserName", TypeString, 1023, "destination", "Destination user name"),
		field("duid", "destinationUserId", TypeString, 1023, "destination", "Destination user ID"),
		field("dpid", "destinationProcessId", TypeInteger, 0, "destination", "Destination process ID"),
		field("dproc", "destinationProcessName", TypeString, 1023, "destination", "Destination process name"),
		field("dpriv", "destinationUserPrivileges", TypeString, 1023, "destination", "Destination user privileges"),
		field("dntdom", "destinationNtDomain", TypeString, 255, "destination", "Destination Windows domain"),
		field("destinationTranslatedAddress", "destinationTranslatedAddress", TypeIP, 0, "destination", "Destination address after NAT"),

		// Event fields
		field("act", "deviceAction", TypeString, 63, "event", "Action taken"),
		field("app", "applicationProtocol", TypeString, 31, "event", "Application protocol"),
		field("cat", "deviceEventCategory", TypeString, 1023, "event", "Event category"),
		field("cnt", "baseEventCount", TypeInteger, 0, "event", "Number of times the event was observed"),
		field("externalId", "externalId", TypeString, 40, "event", "Identifier assigned by the device"),
		field("msg", "message", TypeString, 1023, "event", "Event message"),
		field("outcome", "eventOutcome", TypeString, 63, "event", "Event outcome"),
		field("proto", "transportProtocol", TypeString, 31, "event", "Transport protocol"),
		field("reason", "reason", TypeString, 1023, "event", "Reason for action"),
		field("in", "bytesIn", TypeLong, 0, "event", "Bytes received"),
		field("out", "bytesOut", TypeLong, 0, "event", "Bytes sent"),

		// Time fields
		field("rt", "deviceReceiptTime", TypeTimestamp, 0, "time", "Receipt time"),
		field("start", "startTime", TypeTimestamp, 0, "time", "Start time"),
		field("end", "endTime", TypeTimestamp, 0, "time", "End time"),

		// File fields
		field("fname", "fileName", TypeString, 1023, "file", "File name"),
		field("filePath", "filePath", TypeString, 1023, "file", "File path"),
		field("fsize", "fileSize", TypeInteger, 0, "file", "File size"),
		field("fileHash", "fileHash", TypeString, 255, "file", "File hash"),

		// Request fields
		field("request", "requestUrl", TypeString, 1023, "request", "Request URL"),
		field("requestMethod", "requestMethod", TypeString, 1023, "request", "Request method"),
		field("requestContext", "requestContext", TypeString, 2048, "request", "Request context"),
		field("requestClientApplication", "requestClientApplication", TypeString, 1023, "request", "User agent"),

		// Device fields
		field("dvc", "deviceAddress", TypeIP, 0, "device", "Device IP"),
		field("dvchost", "deviceHostName", TypeString, 100, "device", "Device hostname"),
		field("deviceDirection", "deviceDirection", TypeInteger, 0, "device", "0 for inbound, 1 for outbound"),
		field("deviceExternalId", "deviceExternalId", TypeString, 255, "device", "Device identifier"),
	}

	// Custom fields and their labels
	custom := []struct {
		prefix, fullName, dataType string
		length, count              int
	}{
		{"cs", "deviceCustomString", TypeString, 4000, 6},
		{"cn", "deviceCustomNumber", TypeLong, 0, 3},
		{"cfp", "deviceCustomFloatingPoint", TypeFloat, 0, 4},
		{"c6a", "deviceCustomIPv6Address", TypeIPv6, 0, 4},
		{"flexString", "flexString", TypeString, 1023, 2},
		{"flexNumber", "flexNumber", TypeLong, 0, 2},
	}
	for _, c := range custom {
		for i := 1; i <= c.count; i++ {
			key := fmt.Sprintf("%s%d", c.prefix, i)
			name := fmt.Sprintf("%s%d", c.fullName, i)
			fields = append(fields,
				field(key, name, c.dataType, c.length, "custom", "Custom field "+key),
				field(key+LabelSuffix, name+LabelSuffix, TypeString, 1023, "custom", "Label for "+key),
			)
		}
	}
	fields = append(fields,
		field("flexDate1", "flexDate1", TypeTimestamp, 0, "custom", "Custom date"),
		field("flexDate1Label", "flexDate1Label", TypeString, 128, "custom", "Label for flexDate1"),
	)

	return NewDictionary(fields...)
}
