package catalog

import "testing"

func TestNewRegistersBuiltins(t *testing.T) {
	c := New()
	for _, name := range []string{"nmap", "nuclei", "nikto", "sqlmap", "gobuster",
		"whatweb", "sslyze", "wpscan", "hydra", "metasploit", "burpsuite", "curl"} {
		if _, ok := c.Get(name); !ok {
			t.Errorf("expected builtin tool %q registered", name)
		}
	}
	if len(c.Names()) != 24 {
		t.Errorf("expected 12 builtins plus 12 canonical tools, got %d", len(c.Names()))
	}
}

func TestBuildArgvRequiresTarget(t *testing.T) {
	c := New()
	e, _ := c.Get("nmap")
	if _, err := e.BuildArgv(map[string]string{}); err == nil {
		t.Fatal("expected error for missing target")
	}
	argv, err := e.BuildArgv(map[string]string{"target": "10.0.0.1"})
	if err != nil || len(argv) == 0 {
		t.Fatalf("unexpected: %v %v", argv, err)
	}
}

func TestParseOutputExtractsFindings(t *testing.T) {
	c := New()
	e, _ := c.Get("nmap")
	out := "PORT     STATE SERVICE\n22/tcp   open  ssh\n80/tcp   closed http\n"
	findings := e.ParseOutput(out, "", "10.0.0.1")
	if len(findings) != 1 {
		t.Fatalf("expected 1 open-port finding, got %d", len(findings))
	}
}

func TestRegisterOverridesEntry(t *testing.T) {
	c := New()
	c.Register(Entry{Name: "nmap", Image: "custom/nmap:v2"})
	e, _ := c.Get("nmap")
	if e.Image != "custom/nmap:v2" {
		t.Fatalf("expected override to take effect, got %q", e.Image)
	}
}
