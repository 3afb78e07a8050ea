// Package hint implements the key-value hint file format described in
// spec.md §4.2/§6. Hint files are small, line-oriented text files that
// carry per-version and per-package metadata (description, dependency
// atoms, category, retention overrides). There are three schemas: a binary
// ("pvr") package hint, a source ("spvr") package hint, and a
// per-package override hint, each with its own fixed key set.
package hint

// ValType is the value-shape a hint key requires.
type ValType int

const (
	// MultilineVal keys always have a value, which may span lines.
	MultilineVal ValType = iota
	// Val keys always have a (single-line) value.
	Val
	// OptVal keys may have an empty value.
	OptVal
	// NoVal keys must always have an empty value.
	NoVal
)

// Kind identifies which of the three hint schemas a file is parsed as.
type Kind int

const (
	// PVR is the binary package per-version hint.
	PVR Kind = iota
	// SPVR is the source package per-version hint.
	SPVR
	// Override is the per-package retention/policy override hint.
	Override
)

var commonKeys = map[string]ValType{
	"ldesc":         MultilineVal,
	"category":      Val,
	"sdesc":         Val,
	"test":          NoVal,
	"version":       Val,
	"disable-check": Val,
	"notes":         Val,
}

var pvrKeys = mergeKeys(commonKeys, map[string]ValType{
	"message":          MultilineVal,
	"external-source":  Val,
	"requires":         OptVal,
	"obsoletes":        OptVal,
	"provides":         Val,
	"conflicts":        Val,
})

var spvrKeys = mergeKeys(commonKeys, map[string]ValType{
	"skip":          NoVal,
	"homepage":      Val,
	"build-depends": OptVal,
	"license":       Val,
})

var overrideKeys = map[string]ValType{
	"keep":                     Val,
	"keep-count":               Val,
	"keep-count-test":          Val,
	"keep-days":                Val,
	"keep-superseded-versions": NoVal,
	"disable-check":            Val,
	"replace-versions":         Val,
}

func mergeKeys(base map[string]ValType, extra map[string]ValType) map[string]ValType {
	out := make(map[string]ValType, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func keysFor(kind Kind) map[string]ValType {
	switch kind {
	case PVR:
		return pvrKeys
	case SPVR:
		return spvrKeys
	case Override:
		return overrideKeys
	default:
		return nil
	}
}

// Categories is the closed vocabulary valid for a hint's category key,
// matched case-insensitively.
var Categories = map[string]bool{
	"accessibility": true, "admin": true, "archive": true, "audio": true,
	"base": true, "comm": true, "database": true, "debug": true,
	"devel": true, "doc": true, "editors": true, "games": true,
	"gnome": true, "graphics": true, "interpreters": true, "kde": true,
	"libs": true, "lua": true, "lxde": true, "mail": true, "mate": true,
	"math": true, "net": true, "ocaml": true, "office": true, "perl": true,
	"php": true, "publishing": true, "python": true, "ruby": true,
	"scheme": true, "science": true, "security": true, "shells": true,
	"source": true, "sugar": true, "system": true, "tcl": true, "text": true,
	"utils": true, "video": true, "virtual": true, "web": true, "x11": true,
	"xfce": true, "_obsolete": true,
}
