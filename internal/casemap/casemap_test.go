package casemap

import "testing"

func TestFoldIdempotent(t *testing.T) {
	inputs := []string{"", "Nick", "Test[]", "test{}", `A\B|c`, "^~^~", "#Chan[Ops]", "ÄÖ"}
	for _, rule := range []Rule{ASCII, RFC1459, RFC1459Strict} {
		for _, in := range inputs {
			once := rule.Fold(in)
			if twice := rule.Fold(once); twice != once {
				t.Errorf("%s: Fold(Fold(%q)) = %q, want %q", rule, in, twice, once)
			}
			if !rule.Equal(once, rule.Fold(in)) {
				t.Errorf("%s: Equal(Fold(%q), Fold(%q)) = false", rule, in, in)
			}
		}
	}
}

func TestEqual(t *testing.T) {
	tests := []struct {
		rule Rule
		a, b string
		want bool
	}{
		{RFC1459, "Test[]", "test{}", true},
		{ASCII, "Test[]", "test{}", false},
		{ASCII, "Test[]", "tEST[]", true},
		{RFC1459, `nick\`, "NICK|", true},
		{RFC1459, "a~", "A^", true},
		{RFC1459Strict, "a~", "A^", false},
		{RFC1459Strict, "Test[]", "test{}", true},
		{RFC1459, "abc", "abcd", false},
	}
	for _, tt := range tests {
		if got := tt.rule.Equal(tt.a, tt.b); got != tt.want {
			t.Errorf("%s.Equal(%q, %q) = %v, want %v", tt.rule, tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		name string
		want Rule
		ok   bool
	}{
		{"ascii", ASCII, true},
		{"RFC1459", RFC1459, true},
		{"rfc1459-strict", RFC1459Strict, true},
		{"strict-rfc1459", RFC1459Strict, true},
		{"rfc7613", RFC1459, false},
	}
	for _, tt := range tests {
		got, ok := ParseRule(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseRule(%q) = %v, %v; want %v, %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFolderNotifiesOnChange(t *testing.T) {
	f := NewFolder(RFC1459)

	var calls []Rule
	f.OnChange(func(old, new Rule) {
		if f.Rule() != new {
			t.Fatalf("listener saw rule %v, want %v", f.Rule(), new)
		}
		calls = append(calls, old, new)
	})

	if f.SetRule(RFC1459) {
		t.Fatal("SetRule with the active rule reported a change")
	}
	if !f.SetRule(ASCII) {
		t.Fatal("SetRule(ASCII) reported no change")
	}
	if len(calls) != 2 || calls[0] != RFC1459 || calls[1] != ASCII {
		t.Fatalf("listener calls = %v", calls)
	}
	if f.Equal("a[", "A{") {
		t.Fatal("ascii folder treated [ and { as equal")
	}
}
