package dbinfo

import "testing"

func TestDerive_FlagsByVersion(t *testing.T) {
	tests := []struct {
		version string
		want    Info
	}{
		{"9.6.1", Info{SupportsRangeTypes: true, SupportsEnumTypes: true, SupportsCloseAll: true, SupportsDiscardTemp: true, SupportsDiscard: true, SupportsAdvisoryLocks: true, SupportsDiscardSequences: true, SupportsUnlisten: true}},
		{"8.2", Info{SupportsAdvisoryLocks: true, SupportsUnlisten: true}},
		{"7.0", Info{SupportsUnlisten: true}},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			info, err := Derive(tt.version, "on")
			if err != nil {
				t.Fatalf("Derive: %v", err)
			}
			if info.SupportsRangeTypes != tt.want.SupportsRangeTypes ||
				info.SupportsEnumTypes != tt.want.SupportsEnumTypes ||
				info.SupportsCloseAll != tt.want.SupportsCloseAll ||
				info.SupportsDiscardTemp != tt.want.SupportsDiscardTemp ||
				info.SupportsDiscard != tt.want.SupportsDiscard ||
				info.SupportsAdvisoryLocks != tt.want.SupportsAdvisoryLocks ||
				info.SupportsDiscardSequences != tt.want.SupportsDiscardSequences ||
				info.SupportsUnlisten != tt.want.SupportsUnlisten {
				t.Fatalf("got %+v, want %+v", info, tt.want)
			}
		})
	}
}

func TestDerive_IntegerDatetimesDefaultsOn(t *testing.T) {
	info, err := Derive("9.6", "")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if !info.HasIntegerDatetimes {
		t.Error("expected HasIntegerDatetimes true by default")
	}

	info, err = Derive("9.6", "off")
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}
	if info.HasIntegerDatetimes {
		t.Error("expected HasIntegerDatetimes false when server reports off")
	}
}

func TestDerive_InvalidVersion(t *testing.T) {
	if _, err := Derive("not-a-version", "on"); err == nil {
		t.Fatal("expected error")
	}
}
