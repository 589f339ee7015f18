package soundkeep

import (
	"strings"

	"github.com/thoas/go-funk"
)

// KeepMode selects which render endpoints get a keep session
type KeepMode string

const (
	KeepModeAll     KeepMode = "all"
	KeepModeDefault KeepMode = "default"
)

func (m KeepMode) valid() bool {
	return m == KeepModeAll || m == KeepModeDefault
}

type keepPolicy struct {
	mode   KeepMode
	ignore []string // lowercased endpoint IDs or friendly names
}

func newKeepPolicy(mode KeepMode, ignoreDevices []string) keepPolicy {
	ignore := make([]string, 0, len(ignoreDevices))
	for _, device := range ignoreDevices {
		if device = strings.TrimSpace(device); device != "" {
			ignore = append(ignore, strings.ToLower(device))
		}
	}

	if !mode.valid() {
		mode = KeepModeAll
	}

	return keepPolicy{
		mode:   mode,
		ignore: funk.UniqString(ignore),
	}
}

func (p keepPolicy) ignored(endpoint Endpoint) bool {
	return funk.ContainsString(p.ignore, strings.ToLower(endpoint.ID)) ||
		funk.ContainsString(p.ignore, strings.ToLower(endpoint.Name))
}

// filter picks the active endpoints to keep alive. Duplicated IDs collapse into their first occurrence
func (p keepPolicy) filter(endpoints []Endpoint, defaultEndpointID string) []Endpoint {
	var seen []string
	kept := make([]Endpoint, 0, len(endpoints))

	for _, endpoint := range endpoints {
		if funk.ContainsString(seen, endpoint.ID) {
			continue
		}
		seen = append(seen, endpoint.ID)

		if endpoint.State != DeviceStateActive {
			continue
		}

		if p.mode == KeepModeDefault && endpoint.ID != defaultEndpointID {
			continue
		}

		if p.ignored(endpoint) {
			continue
		}

		kept = append(kept, endpoint)
	}

	return kept
}
