package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Suites understood out of the box
const (
	SuiteSmoke = "smoke"
	SuiteCases = "cases"
)

// Session is an initialized connection to the server under evaluation
type Session struct {
	Client *client.Client
	Job    *models.Job
	Tools  []string
}

// SuiteFunc produces the suite-specific checks. It runs after initialize and
// tool listing have been recorded.
type SuiteFunc func(ctx context.Context, s *Session) []models.CheckResult

// Suites manages the available evaluation suites
type Suites struct {
	suites map[string]SuiteFunc
	mu     sync.RWMutex
}

// NewSuites returns a registry holding the smoke and cases suites
func NewSuites() *Suites {
	return &Suites{
		suites: map[string]SuiteFunc{
			SuiteSmoke: smokeSuite,
			SuiteCases: casesSuite,
		},
	}
}

// Register adds a suite. Names are unique.
func (s *Suites) Register(name string, fn SuiteFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.suites[name]; exists {
		return errors.Newf("suite %s already registered", name)
	}
	s.suites[name] = fn
	return nil
}

// Get retrieves a suite by name
func (s *Suites) Get(name string) (SuiteFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fn, exists := s.suites[name]
	if !exists {
		return nil, errors.Newf("unknown suite %q", name)
	}
	return fn, nil
}

func (s *Suites) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.suites))
	for name := range s.suites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// suiteName resolves the effective suite. Jobs that carry cases but name no
// suite run them.
func suiteName(cfg models.JobConfig) string {
	if cfg.Suite != "" {
		return cfg.Suite
	}
	if len(cfg.Cases) > 0 {
		return SuiteCases
	}
	return SuiteSmoke
}

// smokeSuite adds nothing to the connectivity and tool listing checks
func smokeSuite(context.Context, *Session) []models.CheckResult {
	return nil
}

func casesSuite(ctx context.Context, s *Session) []models.CheckResult {
	checks := make([]models.CheckResult, 0, len(s.Job.Config.Cases))
	for i, ec := range s.Job.Config.Cases {
		checks = append(checks, runCase(ctx, s.Client, i, ec))
	}
	return checks
}

func runCase(ctx context.Context, c *client.Client, i int, ec models.EvalCase) models.CheckResult {
	check := models.CheckResult{Name: ec.Name, Weight: ec.Weight}
	if check.Name == "" {
		check.Name = fmt.Sprintf("case[%d]:%s", i, ec.Tool)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = ec.Tool
	if len(ec.Arguments) > 0 {
		var args map[string]interface{}
		if err := json.Unmarshal(ec.Arguments, &args); err != nil {
			check.Details = fmt.Sprintf("invalid arguments: %v", err)
			return check
		}
		req.Params.Arguments = args
	}

	res, err := c.CallTool(ctx, req)
	if err != nil {
		check.Passed = ec.ExpectError
		check.Details = err.Error()
		return check
	}

	text := resultText(res)
	if res.IsError {
		check.Passed = ec.ExpectError
		check.Details = truncate(text)
		return check
	}
	if ec.ExpectError {
		check.Details = "expected an error, tool succeeded"
		return check
	}
	if ec.ExpectContains != "" && !strings.Contains(text, ec.ExpectContains) {
		check.Details = fmt.Sprintf("output does not contain %q", ec.ExpectContains)
		return check
	}
	check.Passed = true
	check.Details = truncate(text)
	return check
}

func resultText(res *mcp.CallToolResult) string {
	var parts []string
	for _, content := range res.Content {
		if tc, ok := mcp.AsTextContent(content); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string) string {
	const max = 512
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
