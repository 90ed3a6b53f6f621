package cef

import "strings"

// LabelSuffix marks an extension whose value names another extension, as in
// cs1Label naming cs1.
const LabelSuffix = "Label"

// ByLabel maps the value of every non-empty "<base>Label" extension to the
// value of <base>. No entry is made when <base> is absent or empty. A bare
// "Label" key labels the empty key, which the parser keeps. The result is
// computed on each call and never written back. When two labels share a
// value, the label key first seen later in the line wins.
func (x Extensions) ByLabel() map[string]string {
	values := x.Map()
	labels := make(map[string]string)

	for _, key := range x.Keys() {
		label := values[key]
		base, ok := strings.CutSuffix(key, LabelSuffix)
		if !ok || label == "" {
			continue
		}
		if value := values[base]; value != "" {
			labels[label] = value
		}
	}

	return labels
}
