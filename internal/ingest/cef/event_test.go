package cef

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestExtensions_Accessors(t *testing.T) {
	x := Parse("CEF:0|V|P|1|s|n|5|b=1 a=2 b=3").Extensions

	if v, ok := x.Get("b"); !ok || v != "3" {
		t.Errorf("Get(b) = %q, %v, want 3, true", v, ok)
	}
	if _, ok := x.Get("missing"); ok {
		t.Error("Get(missing) ok = true")
	}
	if got := x.Keys(); !reflect.DeepEqual(got, []string{"b", "a"}) {
		t.Errorf("Keys() = %v", got)
	}
	if got := x.Map(); !reflect.DeepEqual(got, map[string]string{"a": "2", "b": "3"}) {
		t.Errorf("Map() = %v", got)
	}

	sorted := x.Sorted()
	want := Extensions{{"a", "2"}, {"b", "1"}, {"b", "3"}}
	if !reflect.DeepEqual(sorted, want) {
		t.Errorf("Sorted() = %v, want %v", sorted, want)
	}
	if x[0].Key != "b" {
		t.Error("Sorted() reordered the receiver")
	}
}

func TestEvent_Header(t *testing.T) {
	event := Parse("CEF:0|V|P|PV")

	if v, ok := event.Header("DeviceProduct"); !ok || v != "P" {
		t.Errorf("Header(DeviceProduct) = %q, %v", v, ok)
	}
	if _, ok := event.Header("Severity"); ok {
		t.Error("Header(Severity) ok = true for truncated line")
	}
	if _, ok := event.Header("Bogus"); ok {
		t.Error("Header(Bogus) ok = true")
	}
}

func TestEvent_JSON(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		event := Parse("CEF:0|V|P|1|s|n|5|b=1 a=2")
		data, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		want := `{"Version":"0","DeviceVendor":"V","DeviceProduct":"P","DeviceVersion":"1","SignatureID":"s","Name":"n","Severity":"5","extensions":[{"key":"b","value":"1"},{"key":"a","value":"2"}]}`
		if string(data) != want {
			t.Errorf("Marshal() = %s, want %s", data, want)
		}

		var decoded Event
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if !reflect.DeepEqual(&decoded, event) {
			t.Errorf("Unmarshal() = %+v, want %+v", decoded, *event)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		event := Parse("CEF:0|V")
		data, err := json.Marshal(event)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if strings.Contains(string(data), "DeviceProduct") {
			t.Errorf("Marshal() = %s includes absent field", data)
		}

		var decoded Event
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if decoded.HeaderCount() != 2 {
			t.Errorf("HeaderCount() = %d, want 2", decoded.HeaderCount())
		}
	})

	t.Run("not cef", func(t *testing.T) {
		data, err := json.Marshal(Parse("nope"))
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		if string(data) != `{"extensions":[]}` {
			t.Errorf("Marshal() = %s", data)
		}
	})
}
