package target

import (
	"slices"
	"strings"
)

// hostDenylist matches exact hosts and "*.suffix" or ".suffix" wildcards.
type hostDenylist struct {
	exact    map[string]struct{}
	suffixes []string
}

func newHostDenylist(patterns []string) *hostDenylist {
	d := &hostDenylist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case strings.HasPrefix(value, "*."):
			d.addSuffix(strings.TrimSuffix(value[2:], "."))
		case strings.HasPrefix(value, "."):
			d.addSuffix(strings.TrimSuffix(value[1:], "."))
		default:
			if host := strings.TrimSuffix(value, "."); host != "" {
				d.exact[host] = struct{}{}
			}
		}
	}
	if len(d.exact) == 0 && len(d.suffixes) == 0 {
		return nil
	}
	return d
}

func (d *hostDenylist) addSuffix(suffix string) {
	if suffix == "" || slices.Contains(d.suffixes, suffix) {
		return
	}
	d.suffixes = append(d.suffixes, suffix)
}

// denies reports whether host is listed. A suffix pattern covers the bare
// domain as well as its subdomains.
func (d *hostDenylist) denies(host string) bool {
	if d == nil {
		return false
	}
	host = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(host)), ".")
	if host == "" {
		return false
	}
	if _, ok := d.exact[host]; ok {
		return true
	}
	for _, suffix := range d.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
