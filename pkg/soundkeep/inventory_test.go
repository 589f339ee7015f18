package soundkeep

import (
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestListEndpoints(t *testing.T) {
	endpoints := []Endpoint{
		activeEndpoint("a"),
		activeEndpoint("b"),
		{ID: "c", Name: "Unplugged", State: DeviceStateUnplugged},
	}

	tests := []struct {
		name     string
		mode     KeepMode
		ignore   []string
		wantKept []string
	}{
		{name: "all", mode: KeepModeAll, wantKept: []string{"a", "b"}},
		{name: "default only", mode: KeepModeDefault, wantKept: []string{"b"}},
		{name: "ignored by name", mode: KeepModeAll, ignore: []string{"speakers a"}, wantKept: []string{"b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enumerator := newFakeEnumerator(endpoints...)
			enumerator.defaultID = "b"

			cfg := testConfig()
			cfg.KeepMode = tt.mode
			cfg.IgnoreDevices = tt.ignore

			statuses, err := ListEndpoints(zaptest.NewLogger(t).Sugar(), enumerator.factory(), cfg)
			if err != nil {
				t.Fatalf("ListEndpoints failed: %v", err)
			}

			if len(statuses) != len(endpoints) {
				t.Fatalf("Expected every endpoint listed, got %d", len(statuses))
			}

			var kept []string
			for _, status := range statuses {
				if status.Kept {
					kept = append(kept, status.ID)
				}

				if status.Default != (status.ID == "b") {
					t.Errorf("Endpoint %s: expected default=%v", status.ID, status.ID == "b")
				}
			}

			if !reflect.DeepEqual(kept, tt.wantKept) {
				t.Errorf("Expected kept %v, got %v", tt.wantKept, kept)
			}

			if enumerator.released != 1 {
				t.Errorf("Expected the enumerator to be released once, got %d", enumerator.released)
			}

			if enumerator.opens("a")+enumerator.opens("b") != 0 {
				t.Error("Listing should not open any stream")
			}
		})
	}
}

func TestListEndpointsEnumerationFailure(t *testing.T) {
	enumerator := newFakeEnumerator(activeEndpoint("a"))
	enumerator.failList = errInjected

	_, err := ListEndpoints(zaptest.NewLogger(t).Sugar(), enumerator.factory(), testConfig())
	if !errors.Is(err, errInjected) {
		t.Fatalf("Expected enumeration error, got %v", err)
	}

	if enumerator.released != 1 {
		t.Errorf("Expected the enumerator to be released after a failure, got %d", enumerator.released)
	}
}
