/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package catalog

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/carterpry/restraint/internal/workflow"
)

// builtins returns the twelve reference tools (nmap, nuclei, sqlmap and
// the rest). The required canonical tool names are registered
// separately by canonicalBuiltins.
func builtins() []Entry {
	return []Entry{
		nmapEntry(),
		nucleiEntry(),
		niktoEntry(),
		sqlmapEntry(),
		gobusterEntry(),
		whatwebEntry(),
		sslyzeEntry(),
		wpscanEntry(),
		hydraEntry(),
		metasploitEntry(),
		burpEntry(),
		curlEntry(),
	}
}

func targetSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"target"},
		Properties: map[string]*jsonschema.Schema{
			"target": {Type: "string"},
		},
	}
}

func nmapEntry() Entry {
	return Entry{
		Name:          "nmap",
		Image:         "security-tools/nmap:latest",
		Timeout:       5 * time.Minute,
		OWASPCategory: "A05:2021-Security-Misconfiguration",
		Safety:        SafetyNonIntrusive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("nmap: target required")
			}
			argv := []string{"nmap", "-sV", "-Pn"}
			if ports := p["ports"]; ports != "" {
				argv = append(argv, "-p", ports)
			}
			return append(argv, target), nil
		},
		ParseOutput: func(stdout, _ string, target string) []workflow.Finding {
			var findings []workflow.Finding
			for _, line := range strings.Split(stdout, "\n") {
				if strings.Contains(line, "/tcp") && strings.Contains(line, "open") {
					findings = append(findings, workflow.Finding{
						Type:              "open_port",
						Severity:          workflow.SeverityInfo,
						Confidence:        0.95,
						Title:             "Open port detected",
						Description:       strings.TrimSpace(line),
						AffectedComponent: target,
						Target:            target,
						DiscoveredAt:      time.Now().UTC(),
					})
				}
			}
			return findings
		},
	}
}

func nucleiEntry() Entry {
	return Entry{
		Name:          "nuclei",
		Image:         "security-tools/nuclei:latest",
		Timeout:       10 * time.Minute,
		OWASPCategory: "A06:2021-Vulnerable-and-Outdated-Components",
		Safety:        SafetyNonIntrusive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("nuclei: target required")
			}
			return []string{"nuclei", "-u", target, "-severity", "low,medium,high,critical"}, nil
		},
		ParseOutput: func(stdout, _ string, target string) []workflow.Finding {
			var findings []workflow.Finding
			for _, line := range strings.Split(stdout, "\n") {
				if line == "" {
					continue
				}
				findings = append(findings, workflow.Finding{
					Type:              "template_match",
					Severity:          workflow.SeverityMedium,
					Confidence:        0.7,
					Title:             "Nuclei template match",
					Description:       line,
					AffectedComponent: target,
					Target:            target,
					DiscoveredAt:      time.Now().UTC(),
				})
			}
			return findings
		},
	}
}

func niktoEntry() Entry {
	return Entry{
		Name:          "nikto",
		Image:         "security-tools/nikto:latest",
		Timeout:       10 * time.Minute,
		OWASPCategory: "A05:2021-Security-Misconfiguration",
		Safety:        SafetyNonIntrusive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("nikto: target required")
			}
			return []string{"nikto", "-h", target, "-Tuning", "x6"}, nil
		},
		ParseOutput: genericLineFinding("nikto_finding", workflow.SeverityLow),
	}
}

func sqlmapEntry() Entry {
	return Entry{
		Name:          "sqlmap",
		Image:         "security-tools/sqlmap:latest",
		Timeout:       15 * time.Minute,
		OWASPCategory: "A03:2021-Injection",
		Safety:        SafetyIntrusive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("sqlmap: target required")
			}
			argv := []string{"sqlmap", "-u", target, "--batch", "--risk=1", "--level=1"}
			return argv, nil
		},
		ParseOutput: genericLineFinding("sql_injection", workflow.SeverityHigh),
	}
}

func gobusterEntry() Entry {
	return Entry{
		Name:          "gobuster",
		Image:         "security-tools/gobuster:latest",
		Timeout:       10 * time.Minute,
		OWASPCategory: "A01:2021-Broken-Access-Control",
		Safety:        SafetyNonIntrusive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("gobuster: target required")
			}
			wordlist := p["wordlist"]
			if wordlist == "" {
				wordlist = "/usr/share/wordlists/common.txt"
			}
			return []string{"gobuster", "dir", "-u", target, "-w", wordlist, "-q"}, nil
		},
		ParseOutput: genericLineFinding("exposed_path", workflow.SeverityLow),
	}
}

func whatwebEntry() Entry {
	return Entry{
		Name:          "whatweb",
		Image:         "security-tools/whatweb:latest",
		Timeout:       2 * time.Minute,
		OWASPCategory: "A05:2021-Security-Misconfiguration",
		Safety:        SafetyReadOnly,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("whatweb: target required")
			}
			return []string{"whatweb", "-a", "3", target}, nil
		},
		ParseOutput: genericLineFinding("fingerprint", workflow.SeverityInfo),
	}
}

func sslyzeEntry() Entry {
	return Entry{
		Name:          "sslyze",
		Image:         "security-tools/sslyze:latest",
		Timeout:       3 * time.Minute,
		OWASPCategory: "A02:2021-Cryptographic-Failures",
		Safety:        SafetyReadOnly,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("sslyze: target required")
			}
			return []string{"sslyze", target}, nil
		},
		ParseOutput: genericLineFinding("tls_weakness", workflow.SeverityMedium),
	}
}

func wpscanEntry() Entry {
	return Entry{
		Name:          "wpscan",
		Image:         "security-tools/wpscan:latest",
		Timeout:       10 * time.Minute,
		OWASPCategory: "A06:2021-Vulnerable-and-Outdated-Components",
		Safety:        SafetyNonIntrusive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("wpscan: target required")
			}
			return []string{"wpscan", "--url", target, "--no-banner"}, nil
		},
		ParseOutput: genericLineFinding("wordpress_finding", workflow.SeverityMedium),
	}
}

func hydraEntry() Entry {
	return Entry{
		Name:          "hydra",
		Image:         "security-tools/hydra:latest",
		Timeout:       15 * time.Minute,
		OWASPCategory: "A07:2021-Identification-and-Authentication-Failures",
		Safety:        SafetyIntrusive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("hydra: target required")
			}
			service := p["service"]
			if service == "" {
				service = "ssh"
			}
			return []string{"hydra", "-L", "users.txt", "-P", "passwords.txt", target, service}, nil
		},
		ParseOutput: genericLineFinding("weak_credential", workflow.SeverityCritical),
	}
}

func metasploitEntry() Entry {
	return Entry{
		Name:          "metasploit",
		Image:         "security-tools/metasploit:latest",
		Timeout:       20 * time.Minute,
		OWASPCategory: "A06:2021-Vulnerable-and-Outdated-Components",
		Safety:        SafetyDestructive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("metasploit: target required")
			}
			module := p["module"]
			if module == "" {
				return nil, fmt.Errorf("metasploit: module required")
			}
			return []string{"msfconsole", "-q", "-x",
				fmt.Sprintf("use %s; set RHOSTS %s; run; exit", module, target)}, nil
		},
		ParseOutput: genericLineFinding("exploit_result", workflow.SeverityCritical),
	}
}

func burpEntry() Entry {
	return Entry{
		Name:          "burpsuite",
		Image:         "security-tools/burp-headless:latest",
		Timeout:       20 * time.Minute,
		OWASPCategory: "A03:2021-Injection",
		Safety:        SafetyIntrusive,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("burpsuite: target required")
			}
			return []string{"burp-headless-scan", "--target", target}, nil
		},
		ParseOutput: genericLineFinding("burp_finding", workflow.SeverityHigh),
	}
}

func curlEntry() Entry {
	return Entry{
		Name:          "curl",
		Image:         "security-tools/curl:latest",
		Timeout:       30 * time.Second,
		OWASPCategory: "",
		Safety:        SafetyReadOnly,
		ParamSchema:   targetSchema(),
		BuildArgv: func(p map[string]string) ([]string, error) {
			target, ok := p["target"]
			if !ok || target == "" {
				return nil, fmt.Errorf("curl: target required")
			}
			return []string{"curl", "-sS", "-i", "--max-time", "20", target}, nil
		},
		ParseOutput: func(stdout, _ string, target string) []workflow.Finding {
			if strings.Contains(stdout, "Server:") {
				return []workflow.Finding{{
					Type:              "server_header",
					Severity:          workflow.SeverityInfo,
					Confidence:        1,
					Title:             "Server header present",
					Description:       "Response discloses a Server header",
					AffectedComponent: target,
					Target:            target,
					DiscoveredAt:      time.Now().UTC(),
				}}
			}
			return nil
		},
	}
}

func genericLineFinding(kind string, sev workflow.Severity) OutputParser {
	return func(stdout, _ string, target string) []workflow.Finding {
		var findings []workflow.Finding
		for _, line := range strings.Split(stdout, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			findings = append(findings, workflow.Finding{
				Type:              kind,
				Severity:          sev,
				Confidence:        0.6,
				Title:             kind,
				Description:       line,
				AffectedComponent: target,
				Target:            target,
				DiscoveredAt:      time.Now().UTC(),
			})
		}
		return findings
	}
}
