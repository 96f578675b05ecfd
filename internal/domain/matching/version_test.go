package matching

import (
	"testing"
)

func TestParseVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Version
	}{
		{"1.2.3", Version{1, 2, 3}},
		{"1.2", Version{1, 2, 0}},
		{"2", Version{2, 0, 0}},
		{"", Version{0, 0, 0}},
		{"1.x.3", Version{1, 0, 3}},
		{" 1 . 2 . 3 ", Version{1, 2, 3}},
		{"10.20.30", Version{10, 20, 30}},
		{"1.2.3.4", Version{1, 2, 0}}, // third part "3.4" is not numeric
	}
	for _, tc := range tests {
		if got := ParseVersion(tc.in); got != tc.want {
			t.Errorf("ParseVersion(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestVersionDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"1.2.3", "1.2.4", 1},
		{"1.2.3", "1.3.3", 100},
		{"1.2.3", "2.2.3", 10000},
		{"2.0.0", "1.9.9", 10000 + 900 + 9},
		{"1.5.0", "1.2.0", 300},
	}
	for _, tc := range tests {
		got := ParseVersion(tc.a).Distance(ParseVersion(tc.b))
		if got != tc.want {
			t.Errorf("Distance(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
		// Distance is symmetric.
		if rev := ParseVersion(tc.b).Distance(ParseVersion(tc.a)); rev != got {
			t.Errorf("Distance(%q, %q) = %d, not symmetric with %d", tc.b, tc.a, rev, got)
		}
	}
}

func TestGlobToRegexp(t *testing.T) {
	t.Parallel()

	tests := []struct {
		glob    string
		path    string
		matches bool
	}{
		{"/api/users", "/api/users", true},
		{"/api/users", "/api/users/42", false},
		{"/api/users/:id", "/api/users/42", true},
		{"/api/users/:id", "/api/users/42/posts", false},
		{"/api/users/:id/posts", "/api/users/42/posts", true},
		{"/api/*", "/api/anything/nested", true},
		{"/api/v1.0/users", "/api/v1.0/users", true},
		{"/api/v1.0/users", "/api/v1x0/users", false}, // dot is literal
		{"*", "/whatever", true},
	}
	for _, tc := range tests {
		re, err := CompilePattern(tc.glob, false)
		if err != nil {
			t.Fatalf("CompilePattern(%q) error: %v", tc.glob, err)
		}
		if got := re.MatchString(tc.path); got != tc.matches {
			t.Errorf("glob %q vs %q = %v, want %v", tc.glob, tc.path, got, tc.matches)
		}
	}
}

func TestCompilePatternCaseInsensitive(t *testing.T) {
	t.Parallel()

	re, err := CompilePattern("/API/Users", false)
	if err != nil {
		t.Fatalf("CompilePattern() error: %v", err)
	}
	if !re.MatchString("/api/users") {
		t.Error("pattern should match case-insensitively")
	}
}

func TestCompilePatternRegex(t *testing.T) {
	t.Parallel()

	re, err := CompilePattern(`^/api/v\d+/users$`, true)
	if err != nil {
		t.Fatalf("CompilePattern() error: %v", err)
	}
	if !re.MatchString("/api/v2/users") {
		t.Error("regex pattern should match /api/v2/users")
	}
	if re.MatchString("/api/vx/users") {
		t.Error("regex pattern should not match /api/vx/users")
	}

	if _, err := CompilePattern(`([`, true); err == nil {
		t.Error("invalid regex should return an error")
	}
}

func TestNormalizeQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   map[string]string
		want string
	}{
		{"empty", nil, ""},
		{"single", map[string]string{"a": "1"}, "a=1"},
		{"sorted", map[string]string{"b": "2", "a": "1"}, "a=1&b=2"},
		{"lowercased", map[string]string{"Page": "Two"}, "page=two"},
		{"empty value", map[string]string{"flag": ""}, "flag="},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := NormalizeQuery(tc.in); got != tc.want {
				t.Errorf("NormalizeQuery(%v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeQueryValues(t *testing.T) {
	t.Parallel()

	got := NormalizeQueryValues(map[string][]string{
		"B":    {"2", "ignored"},
		"a":    {"1"},
		"none": {},
	})
	want := "a=1&b=2&none="
	if got != want {
		t.Errorf("NormalizeQueryValues() = %q, want %q", got, want)
	}
}
