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

	"github.com/carterpry/restraint/internal/workflow"
)

// canonicalBuiltins registers the twelve required tool names — the
// fixed vocabulary the fallback recommender and the phase defaults are
// allowed to assume exists regardless of deployment.
// Each wraps one of the realistic reference binaries in builtins.go so
// a deployment can swap the underlying image without renaming the
// contract the core depends on.
func canonicalBuiltins() []Entry {
	return []Entry{
		aliasEntry("subdomain-scanner", "security-tools/subfinder:latest", 5*time.Minute,
			"A05:2021-Security-Misconfiguration", SafetyReadOnly,
			func(p map[string]string) ([]string, error) {
				target, ok := p["target"]
				if !ok || target == "" {
					return nil, fmt.Errorf("subdomain-scanner: target required")
				}
				return []string{"subfinder", "-silent", "-d", target}, nil
			},
			func(stdout, _ string, target string) []workflow.Finding {
				var findings []workflow.Finding
				for _, line := range strings.Split(stdout, "\n") {
					line = strings.TrimSpace(line)
					if line == "" {
						continue
					}
					findings = append(findings, workflow.Finding{
						Type: "subdomain", Severity: workflow.SeverityInfo, Confidence: 0.9,
						Title: "Subdomain discovered", Description: line,
						AffectedComponent: line, Target: line, DiscoveredAt: time.Now().UTC(),
					})
				}
				return findings
			}),

		aliasEntry("port-scanner", "security-tools/nmap:latest", 5*time.Minute,
			"A05:2021-Security-Misconfiguration", SafetyNonIntrusive,
			nmapEntry().BuildArgv, nmapEntry().ParseOutput),

		aliasEntry("directory-scanner", "security-tools/gobuster:latest", 10*time.Minute,
			"A01:2021-Broken-Access-Control", SafetyNonIntrusive,
			gobusterEntry().BuildArgv, gobusterEntry().ParseOutput),

		aliasEntry("tech-fingerprint", "security-tools/whatweb:latest", 2*time.Minute,
			"A05:2021-Security-Misconfiguration", SafetyReadOnly,
			whatwebEntry().BuildArgv,
			func(stdout, _ string, target string) []workflow.Finding {
				var findings []workflow.Finding
				for _, line := range strings.Split(stdout, "\n") {
					line = strings.TrimSpace(line)
					if line == "" {
						continue
					}
					findings = append(findings, workflow.Finding{
						Type: "tech", Severity: workflow.SeverityInfo, Confidence: 0.8,
						Title: "Technology fingerprint", Description: line,
						AffectedComponent: target, Target: target, DiscoveredAt: time.Now().UTC(),
					})
				}
				return findings
			}),

		aliasEntry("ssl-checker", "security-tools/sslyze:latest", 3*time.Minute,
			"A02:2021-Cryptographic-Failures", SafetyReadOnly,
			sslyzeEntry().BuildArgv, sslyzeEntry().ParseOutput),

		aliasEntry("header-analyzer", "security-tools/curl:latest", 30*time.Second,
			"A05:2021-Security-Misconfiguration", SafetyReadOnly,
			curlEntry().BuildArgv, curlEntry().ParseOutput),

		aliasEntry("api-discovery", "security-tools/gobuster:latest", 10*time.Minute,
			"A01:2021-Broken-Access-Control", SafetyNonIntrusive,
			func(p map[string]string) ([]string, error) {
				target, ok := p["target"]
				if !ok || target == "" {
					return nil, fmt.Errorf("api-discovery: target required")
				}
				wordlist := p["wordlist"]
				if wordlist == "" {
					wordlist = "/usr/share/wordlists/api-endpoints.txt"
				}
				return []string{"gobuster", "dir", "-u", target, "-w", wordlist, "-q"}, nil
			},
			genericLineFinding("api_endpoint", workflow.SeverityLow)),

		aliasEntry("sql-injection", "security-tools/sqlmap:latest", 15*time.Minute,
			"A03:2021-Injection", SafetyIntrusive,
			sqlmapEntry().BuildArgv, sqlmapEntry().ParseOutput),

		aliasEntry("xss-scanner", "security-tools/nuclei:latest", 10*time.Minute,
			"A03:2021-Injection", SafetyIntrusive,
			func(p map[string]string) ([]string, error) {
				target, ok := p["target"]
				if !ok || target == "" {
					return nil, fmt.Errorf("xss-scanner: target required")
				}
				return []string{"nuclei", "-u", target, "-tags", "xss"}, nil
			},
			genericLineFinding("xss", workflow.SeverityHigh)),

		{
			Name:          "jwt-analyzer",
			Image:         "security-tools/jwt-tool:latest",
			Timeout:       2 * time.Minute,
			OWASPCategory: "A07:2021-Identification-and-Authentication-Failures",
			Safety:        SafetyReadOnly,
			BuildArgv: func(p map[string]string) ([]string, error) {
				token, ok := p["token"]
				if !ok || token == "" {
					return nil, fmt.Errorf("jwt-analyzer: token required")
				}
				return []string{"jwt_tool", token, "-M", "at"}, nil
			},
			ParseOutput: genericLineFinding("jwt_weakness", workflow.SeverityMedium),
		},

		aliasEntry("auth-bypass", "security-tools/hydra:latest", 15*time.Minute,
			"A07:2021-Identification-and-Authentication-Failures", SafetyIntrusive,
			hydraEntry().BuildArgv, hydraEntry().ParseOutput),

		aliasEntry("api-fuzzer", "security-tools/burp-headless:latest", 20*time.Minute,
			"A03:2021-Injection", SafetyIntrusive,
			burpEntry().BuildArgv, burpEntry().ParseOutput),
	}
}

func aliasEntry(name, image string, timeout time.Duration, owasp string, safety SafetyClass,
	build ArgvBuilder, parse OutputParser) Entry {
	return Entry{
		Name:          name,
		Image:         image,
		Timeout:       timeout,
		OWASPCategory: owasp,
		Safety:        safety,
		ParamSchema:   targetSchema(),
		BuildArgv:     build,
		ParseOutput:   parse,
	}
}
