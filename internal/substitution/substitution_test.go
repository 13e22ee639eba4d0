package substitution

import "testing"

type fakeStore map[string]string

func (f fakeStore) Lookup(tool, property string) (string, bool) {
	v, ok := f[tool+"."+property]
	return v, ok
}

func TestResolveLiteralOnly(t *testing.T) {
	raw := "plain text"
	got, ok := Resolve(raw, Parse(raw), fakeStore{})
	if !ok || got != raw {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestResolveToolRef(t *testing.T) {
	raw := "scan {{nmap.host}} now"
	store := fakeStore{"nmap.host": "10.0.0.5"}
	got, ok := Resolve(raw, Parse(raw), store)
	if !ok || got != "scan 10.0.0.5 now" {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestResolveMissingReferenceKeepsPlaceholder(t *testing.T) {
	raw := "target={{nikto.findingHost}}"
	got, ok := Resolve(raw, Parse(raw), fakeStore{})
	if ok {
		t.Fatal("expected unresolved")
	}
	if got != raw {
		t.Fatalf("expected placeholder preserved verbatim, got %q", got)
	}
}

func TestResolveMalformedReferenceKeptLiteral(t *testing.T) {
	raw := "{{no-dot-here}}"
	got, ok := Resolve(raw, Parse(raw), fakeStore{})
	if !ok || got != raw {
		t.Fatalf("expected malformed ref kept verbatim, got %q, %v", got, ok)
	}
}

func TestResolveUnterminatedDelimiterIsLiteral(t *testing.T) {
	raw := "abc {{oops"
	got, ok := Resolve(raw, Parse(raw), fakeStore{})
	if !ok || got != raw {
		t.Fatalf("got %q, %v", got, ok)
	}
}

func TestResolveIntParsesNumericValue(t *testing.T) {
	raw := "{{nmap.portCount}}"
	n, ok, err := ResolveInt(raw, Parse(raw), fakeStore{"nmap.portCount": "42"})
	if err != nil || !ok || n != 42 {
		t.Fatalf("n=%d ok=%v err=%v", n, ok, err)
	}
}
