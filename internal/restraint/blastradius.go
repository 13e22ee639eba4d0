/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package restraint

// Level grades the overall risk of an invocation.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// BlastDecision is the blast-radius scorer's own allow/deny call,
// independent of (and feeding into) the rule-list disposition.
type BlastDecision string

const (
	DecisionAllow BlastDecision = "allow_with_guards"
	DecisionDeny  BlastDecision = "deny"
)

// Input is what the scorer needs to grade one candidate invocation.
type Input struct {
	SafetyClass string // read_only|non_intrusive|intrusive|destructive
	Target      string
	Environment string // prod|staging|dev, inferred by the caller
}

// Assessment is the scorer's output.
type Assessment struct {
	Level    Level
	Score    float64
	Decision BlastDecision
	Reasons  []string
}

// Scorer grades blast radius for a candidate invocation.
type Scorer interface {
	Assess(Input) Assessment
}

// classWeight assigns a base risk weight per tool safety class.
var classWeight = map[string]float64{
	"read_only":     0.05,
	"non_intrusive": 0.25,
	"intrusive":     0.55,
	"destructive":   0.80,
}

// DeterministicScorer computes a reproducible score from safety class
// and target environment, the way blastradius.DeterministicScorer does
// from tier and mutation depth.
type DeterministicScorer struct{}

func (DeterministicScorer) Assess(in Input) Assessment {
	score := classWeight[in.SafetyClass]
	var reasons []string

	if in.Environment == "prod" {
		score += 0.30
		reasons = append(reasons, "target environment is production")
	} else if in.Environment == "staging" {
		score += 0.10
	}

	level := levelFromScore(score)
	decision := DecisionAllow
	if level == LevelCritical {
		decision = DecisionDeny
		reasons = append(reasons, "score crosses the critical threshold")
	}

	return Assessment{Level: level, Score: score, Decision: decision, Reasons: reasons}
}

func levelFromScore(score float64) Level {
	switch {
	case score >= 0.80:
		return LevelCritical
	case score >= 0.60:
		return LevelHigh
	case score >= 0.30:
		return LevelMedium
	default:
		return LevelLow
	}
}
