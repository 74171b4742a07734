package simulate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func validScenario() Scenario {
	return Scenario{
		Name:        "test",
		RegionSize:  "2KB",
		RegionCount: 16,
		Seed:        7,
		Clusters: []Cluster{
			{Name: "live", Region: "old", Kind: "refs", Objects: 40, Slots: 4, Fanout: 2, GarbageFraction: 0.25, Rooted: true},
			{Name: "leaf", Region: "old", Kind: "data", Objects: 10, Slots: 3, GarbageFraction: 0.5},
		},
		Links: []Link{{From: "live", To: "leaf", Count: 5}},
	}
}

func TestDefaultScenario(t *testing.T) {
	sc := DefaultScenario()
	if err := sc.Validate(); err != nil {
		t.Fatalf("embedded scenario invalid: %v", err)
	}
	if sc.Name != "default" {
		t.Errorf("name = %q", sc.Name)
	}
	if len(sc.Clusters) == 0 || len(sc.Links) == 0 {
		t.Fatalf("embedded scenario is empty: %d clusters %d links", len(sc.Clusters), len(sc.Links))
	}
	words, err := sc.RegionWords()
	if err != nil {
		t.Fatal(err)
	}
	if words != 512 {
		t.Errorf("region words = %d, want 512", words)
	}
	if sc.Mutators != 4 {
		t.Errorf("mutators = %d, want 4", sc.Mutators)
	}
}

func TestLoadScenario(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.yaml")
	body := `
name: small
regionSize: 1KB
regionCount: 8
seed: 3
clusters:
  - name: only
    region: eden
    kind: refs
    objects: 10
    slots: 2
    fanout: 1
    rooted: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	sc, err := LoadScenario(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sc.Name != "small" || sc.RegionCount != 8 || len(sc.Clusters) != 1 {
		t.Errorf("unexpected scenario: %+v", sc)
	}
	if sc.Clusters[0].liveCount() != 10 {
		t.Errorf("live count = %d, want 10", sc.Clusters[0].liveCount())
	}
}

func TestLoadScenarioErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadScenario(filepath.Join(dir, "missing.yaml")); !errors.Is(err, ErrScenarioInvalid) {
		t.Errorf("missing file: %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("clusters: {not: [a, list"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScenario(bad); !errors.Is(err, ErrScenarioInvalid) {
		t.Errorf("unparsable file: %v", err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	body := `
regionSize: 1KB
regionCount: 4
clusters:
  - name: x
    region: eden
    kind: refs
    objects: 4
    slots: 1
    fanout: 3
`
	if err := os.WriteFile(invalid, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScenario(invalid); !errors.Is(err, ErrScenarioInvalid) {
		t.Errorf("invalid content: %v", err)
	}
}

func TestScenarioValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Scenario)
		wantErr bool
	}{
		{"valid", func(sc *Scenario) {}, false},
		{"badRegionSize", func(sc *Scenario) { sc.RegionSize = "lots" }, true},
		{"tinyRegion", func(sc *Scenario) { sc.RegionSize = "32B" }, true},
		{"noRegions", func(sc *Scenario) { sc.RegionCount = 0 }, true},
		{"noClusters", func(sc *Scenario) { sc.Clusters = nil }, true},
		{"unnamedCluster", func(sc *Scenario) { sc.Clusters[0].Name = "" }, true},
		{"duplicateName", func(sc *Scenario) { sc.Clusters[1].Name = "live" }, true},
		{"badKind", func(sc *Scenario) { sc.Clusters[0].Kind = "pointers" }, true},
		{"badRegionKind", func(sc *Scenario) { sc.Clusters[0].Region = "free" }, true},
		{"zeroObjects", func(sc *Scenario) { sc.Clusters[0].Objects = 0 }, true},
		{"slotlessRefs", func(sc *Scenario) { sc.Clusters[0].Slots = 0 }, true},
		{"dataWithFanout", func(sc *Scenario) { sc.Clusters[1].Fanout = 1 }, true},
		{"fanoutOverSlots", func(sc *Scenario) { sc.Clusters[0].Fanout = 5 }, true},
		{"garbageFractionRange", func(sc *Scenario) { sc.Clusters[0].GarbageFraction = 1.5 }, true},
		{"rootedAllGarbage", func(sc *Scenario) { sc.Clusters[0].GarbageFraction = 1 }, true},
		{"objectOverRegion", func(sc *Scenario) { sc.Clusters[0].Slots = 300; sc.Clusters[0].Fanout = 2 }, true},
		{"linkUnknownCluster", func(sc *Scenario) { sc.Links[0].From = "nowhere" }, true},
		{"linkFromData", func(sc *Scenario) { sc.Links[0].From = "leaf"; sc.Links[0].To = "live" }, true},
		{"linkNegativeCount", func(sc *Scenario) { sc.Links[0].Count = -1 }, true},
		{"linkIntoAllGarbage", func(sc *Scenario) { sc.Clusters[1].GarbageFraction = 1 }, true},
		{"negativeMutators", func(sc *Scenario) { sc.Mutators = -1 }, true},
		{"negativeStores", func(sc *Scenario) { sc.StoresPerMutator = -5 }, true},
		{"fractionsOverOne", func(sc *Scenario) { sc.AllocFraction = 0.7; sc.ClearFraction = 0.6 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := validScenario()
			tt.mutate(&sc)
			err := sc.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrScenarioInvalid) {
					t.Errorf("want ErrScenarioInvalid, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
