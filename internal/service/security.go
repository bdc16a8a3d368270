package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/fabrica-dev/fabrica/internal/config"
	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/port/cache"
	"github.com/fabrica-dev/fabrica/internal/port/riskanalyzer"
	"github.com/fabrica-dev/fabrica/internal/resilience"
)

// blacklistPattern pairs a compiled expression with its source for verdict
// reporting.
type blacklistPattern struct {
	source string
	re     *regexp.Regexp
}

// SecurityService vets commands through three ordered, fail-closed stages:
// whitelist on the leading token, blacklist patterns over the full string
// (overriding a whitelist pass), and a semantic risk assessment for
// commands that survive both. Verdicts are produced before any execution;
// a deny feeds the engine as a normal task failure.
type SecurityService struct {
	level      security.Level
	whitelist  map[string]struct{}
	blacklist  []blacklistPattern
	analyzer   riskanalyzer.Analyzer
	retry      resilience.RetryPolicy
	verdicts   cache.Cache
	verdictTTL time.Duration
}

// NewSecurityService compiles the configured lists. An invalid level or an
// uncompilable blacklist pattern is a startup error, not a runtime one.
func NewSecurityService(cfg config.Security, analyzer riskanalyzer.Analyzer) (*SecurityService, error) {
	level := security.Level(cfg.Level)
	if !level.Valid() {
		return nil, fmt.Errorf("security level %q: must be strict or permissive", cfg.Level)
	}

	whitelist := make(map[string]struct{}, len(cfg.CommandWhitelist))
	for _, token := range cfg.CommandWhitelist {
		whitelist[token] = struct{}{}
	}

	blacklist := make([]blacklistPattern, 0, len(cfg.PatternBlacklist))
	for _, pattern := range cfg.PatternBlacklist {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("blacklist pattern %q: %w", pattern, err)
		}
		blacklist = append(blacklist, blacklistPattern{source: pattern, re: re})
	}

	if level == security.LevelPermissive {
		slog.Warn("security level is permissive: uncertain semantic verdicts will be ALLOWED",
			"level", cfg.Level,
		)
	}

	return &SecurityService{
		level:     level,
		whitelist: whitelist,
		blacklist: blacklist,
		analyzer:  analyzer,
		retry:     resilience.DefaultRetryPolicy(),
	}, nil
}

// SetVerdictCache enables caching of semantic-stage verdicts. The first
// two stages are pure string work and are never cached.
func (s *SecurityService) SetVerdictCache(c cache.Cache, ttl time.Duration) {
	s.verdicts = c
	s.verdictTTL = ttl
}

// SetRetryPolicy overrides the backoff policy for the semantic stage.
func (s *SecurityService) SetRetryPolicy(p resilience.RetryPolicy) {
	s.retry = p
}

// Vet runs the pipeline over one command. The returned verdict records
// every stage outcome for audit. An error is returned only for
// infrastructure failures that should abort the project; an unavailable
// analyzer degrades to an uncertain assessment instead.
func (s *SecurityService) Vet(ctx context.Context, command, taskType string) (security.Verdict, error) {
	v := security.Verdict{
		Command:   command,
		Semantic:  security.SemanticSkipped,
		CreatedAt: time.Now().UTC(),
	}

	token := leadingToken(command)
	if token == "" {
		v.Final = security.DecisionDeny
		v.Rationale = "empty command"
		return v, nil
	}
	if _, ok := s.whitelist[token]; !ok {
		v.Final = security.DecisionDeny
		v.Rationale = fmt.Sprintf("%q is not whitelisted", token)
		return v, nil
	}
	v.WhitelistMatch = true

	for _, p := range s.blacklist {
		if p.re.MatchString(command) {
			v.BlacklistPattern = p.source
			v.Final = security.DecisionDeny
			v.Rationale = fmt.Sprintf("command matches blacklisted pattern %q", p.source)
			return v, nil
		}
	}

	if cached, ok := s.cachedVerdict(ctx, command, taskType); ok {
		cached.CreatedAt = time.Now().UTC()
		return cached, nil
	}

	assessment, err := s.assess(ctx, command, taskType)
	if err != nil {
		return v, err
	}
	v.Semantic = assessment.Result
	v.Rationale = assessment.Rationale

	switch assessment.Result {
	case security.SemanticAllow:
		v.Final = security.DecisionAllow
	case security.SemanticDeny:
		v.Final = security.DecisionDeny
	default: // uncertain
		if s.level == security.LevelPermissive {
			v.Final = security.DecisionAllow
			v.PermissiveOverride = true
			slog.Warn("PERMISSIVE OVERRIDE: uncertain command allowed",
				"command", command,
				"task_type", taskType,
				"rationale", assessment.Rationale,
			)
		} else {
			v.Final = security.DecisionDeny
			v.Rationale = "uncertain assessment denied (fail-closed): " + assessment.Rationale
		}
	}

	s.storeVerdict(ctx, command, taskType, v)
	return v, nil
}

// assess runs the semantic stage with bounded retries on transient model
// failures. Exhausted retries degrade to uncertain so the level mapping
// decides; fatal provider errors propagate and abort the project.
func (s *SecurityService) assess(ctx context.Context, command, taskType string) (riskanalyzer.Assessment, error) {
	var assessment riskanalyzer.Assessment
	err := s.retry.Retry(ctx, func(err error) bool {
		return errors.Is(err, domain.ErrModelTransient)
	}, func() error {
		var aerr error
		assessment, aerr = s.analyzer.Assess(ctx, command, taskType)
		return aerr
	})
	if err == nil {
		return assessment, nil
	}
	if errors.Is(err, domain.ErrModelTransient) {
		slog.Warn("risk analyzer unavailable, treating command as uncertain",
			"command", command,
			"error", err,
		)
		return riskanalyzer.Assessment{
			Result:    security.SemanticUncertain,
			Rationale: "risk analyzer unavailable: " + err.Error(),
		}, nil
	}
	return riskanalyzer.Assessment{}, fmt.Errorf("semantic risk assessment: %w", err)
}

func (s *SecurityService) cachedVerdict(ctx context.Context, command, taskType string) (security.Verdict, bool) {
	if s.verdicts == nil {
		return security.Verdict{}, false
	}
	data, ok, err := s.verdicts.Get(ctx, verdictKey(s.level, command, taskType))
	if err != nil || !ok {
		return security.Verdict{}, false
	}
	var v security.Verdict
	if err := json.Unmarshal(data, &v); err != nil {
		return security.Verdict{}, false
	}
	return v, true
}

func (s *SecurityService) storeVerdict(ctx context.Context, command, taskType string, v security.Verdict) {
	if s.verdicts == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.verdicts.Set(ctx, verdictKey(s.level, command, taskType), data, s.verdictTTL); err != nil {
		slog.Debug("verdict cache write failed", "error", err)
	}
}

func verdictKey(level security.Level, command, taskType string) string {
	return "verdict:" + string(level) + "\x00" + taskType + "\x00" + command
}

// leadingToken returns the first whitespace-separated token of command.
func leadingToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
