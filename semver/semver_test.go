package semver

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input   string
		want    Version
		wantErr bool
	}{
		{"1.2.3", Version{Major: 1, Minor: 2, Patch: 3}, false},
		{"0.0.1", Version{Major: 0, Minor: 0, Patch: 1}, false},
		{"1.0.0-rc.1", Version{Major: 1, Minor: 0, Patch: 0, Prerelease: "rc.1"}, false},
		{"1.0.0+build.5", Version{Major: 1, Minor: 0, Patch: 0, Build: "build.5"}, false},
		{"2.1.0-beta+sha.abc", Version{Major: 2, Minor: 1, Patch: 0, Prerelease: "beta", Build: "sha.abc"}, false},
		{"v1.2.3", Version{Major: 1, Minor: 2, Patch: 3}, false},
		{"1.2", Version{}, true},
		{"1.2.x", Version{}, true},
		{"", Version{}, true},
		{"1.-2.3", Version{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	ordered := []string{
		"0.9.9",
		"1.0.0-alpha",
		"1.0.0-alpha.1",
		"1.0.0-beta",
		"1.0.0-rc.1",
		"1.0.0-rc.2",
		"1.0.0",
		"1.0.1",
		"1.1.0",
		"2.0.0",
	}

	for i := 0; i < len(ordered)-1; i++ {
		a, _ := Parse(ordered[i])
		b, _ := Parse(ordered[i+1])
		if Compare(a, b) >= 0 {
			t.Errorf("expected %s < %s", ordered[i], ordered[i+1])
		}
		if Compare(b, a) <= 0 {
			t.Errorf("expected %s > %s", ordered[i+1], ordered[i])
		}
	}

	a, _ := Parse("1.2.3+build.1")
	b, _ := Parse("1.2.3+build.2")
	if Compare(a, b) != 0 {
		t.Error("build metadata must be ignored in comparison")
	}
}

func TestSortStrings(t *testing.T) {
	versions := []string{"2.0.0", "1.0.0", "1.10.0", "1.2.0", "1.0.0-rc.1"}
	SortStrings(versions)

	want := []string{"1.0.0-rc.1", "1.0.0", "1.2.0", "1.10.0", "2.0.0"}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("sorted order %v, want %v", versions, want)
		}
	}
}

func TestSortStringsMalformedLast(t *testing.T) {
	versions := []string{"garbage", "1.0.0", "also-bad", "0.1.0"}
	SortStrings(versions)

	if versions[0] != "0.1.0" || versions[1] != "1.0.0" {
		t.Fatalf("expected parseable versions first, got %v", versions)
	}
}
