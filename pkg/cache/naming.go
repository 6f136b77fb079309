package cache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// Extension is the file extension of cache artifacts.
const Extension = ".etz"

// DefaultPrefix is the filename prefix used when none is configured.
const DefaultPrefix = "mandel"

// FileName returns the canonical artifact name of key:
// <prefix>_<iterations>_<xmin>_<xmax>_<ymin>_<ymax>.etz with floats in their shortest
// round-trip form.
func FileName(prefix string, key viewport.Key) string {
	b := key.Bounds
	return fmt.Sprintf("%s_%d_%s_%s_%s_%s%s", prefix, key.Iterations,
		formatFloat(b.XMin), formatFloat(b.XMax), formatFloat(b.YMin), formatFloat(b.YMax),
		Extension)
}

// ParseFileName reverses FileName. ok is false for names that are not canonical
// artifacts of prefix.
func ParseFileName(prefix, name string) (viewport.Key, bool) {
	rest, found := strings.CutPrefix(name, prefix+"_")
	if !found {
		return viewport.Key{}, false
	}
	rest, found = strings.CutSuffix(rest, Extension)
	if !found {
		return viewport.Key{}, false
	}

	parts := strings.Split(rest, "_")
	if len(parts) != 5 {
		return viewport.Key{}, false
	}

	iterations, err := strconv.Atoi(parts[0])
	if err != nil || iterations <= 0 {
		return viewport.Key{}, false
	}

	var vals [4]float64
	for i, p := range parts[1:] {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return viewport.Key{}, false
		}
		vals[i] = v
	}

	key := viewport.Key{
		Bounds:     viewport.Bounds{XMin: vals[0], XMax: vals[1], YMin: vals[2], YMax: vals[3]},
		Iterations: iterations,
	}
	// Reject names that parse but are not in canonical form, such as "1.50".
	if FileName(prefix, key) != name {
		return viewport.Key{}, false
	}
	return key, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// tempPattern is the os.CreateTemp pattern of in-flight commits.
func tempPattern(prefix string) string {
	return "." + prefix + "-*.tmp"
}

// isTempName reports whether name is an in-flight commit of prefix. os.CreateTemp
// fills the wildcard with decimal digits.
func isTempName(prefix, name string) bool {
	rest, found := strings.CutPrefix(name, "."+prefix+"-")
	if !found {
		return false
	}
	rest, found = strings.CutSuffix(rest, ".tmp")
	if !found || rest == "" {
		return false
	}
	for _, r := range rest {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (c *Cache) owns(name string) bool {
	if _, ok := ParseFileName(c.prefix, name); ok {
		return true
	}
	return isTempName(c.prefix, name)
}
