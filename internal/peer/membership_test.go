package peer

import "testing"

func TestElectPicksLexicographicallySmallestEndpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		endpoints []string
		want      string
	}{
		{"single", []string{"10.0.0.1:9000"}, "10.0.0.1:9000"},
		{"smallest is not first", []string{"10.0.0.5:9000", "10.0.0.1:9000", "10.0.0.9:9000"}, "10.0.0.1:9000"},
		{"port breaks tie on equal host", []string{"10.0.0.1:9002", "10.0.0.1:9001"}, "10.0.0.1:9001"},
		{"empty set", nil, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := elect(tt.endpoints); got != tt.want {
				t.Errorf("elect(%v) = %q, want %q", tt.endpoints, got, tt.want)
			}
		})
	}
}

func TestElectDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	endpoints := []string{"10.0.0.9:9000", "10.0.0.1:9000"}
	_ = elect(endpoints)
	if endpoints[0] != "10.0.0.9:9000" {
		t.Errorf("elect mutated its input slice: %v", endpoints)
	}
}
