// Package evaluator runs evaluation suites against MCP servers. It is the
// Executor plugged into the worker agent.
package evaluator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fawad-mazhar/evalq/internal/errors"
	"github.com/fawad-mazhar/evalq/internal/logger"
	"github.com/fawad-mazhar/evalq/internal/models"
	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

// Check names produced by every suite
const (
	CheckInitialize = "initialize"
	CheckListTools  = "list_tools"
)

// Connector opens an MCP client for a transport. Evaluate calls Start on it.
type Connector func(ctx context.Context, t models.Transport) (*client.Client, error)

type MCP struct {
	connect       Connector
	suites        *Suites
	clientName    string
	clientVersion string
	log           *zap.SugaredLogger
}

type Option func(*MCP)

// WithConnector replaces how clients are opened, mostly for in-process tests
func WithConnector(c Connector) Option {
	return func(m *MCP) { m.connect = c }
}

// WithSuites replaces the suite registry
func WithSuites(s *Suites) Option {
	return func(m *MCP) { m.suites = s }
}

func WithClientInfo(name, version string) Option {
	return func(m *MCP) {
		m.clientName = name
		m.clientVersion = version
	}
}

func NewMCP(opts ...Option) *MCP {
	m := &MCP{
		connect:       Connect,
		suites:        NewSuites(),
		clientName:    "evalq-worker",
		clientVersion: "dev",
		log:           logger.Named("evaluator"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect builds a client for stdio, sse or streamable http. A stdio command
// without explicit args is split with shell quoting rules.
func Connect(ctx context.Context, t models.Transport) (*client.Client, error) {
	switch t.Kind {
	case models.TransportStdio:
		command, args := t.Command, t.Args
		if len(args) == 0 {
			parts, err := shellquote.Split(t.Command)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to parse command %q", t.Command)
			}
			if len(parts) == 0 {
				return nil, errors.New("empty stdio command")
			}
			command, args = parts[0], parts[1:]
		}
		return client.NewStdioMCPClient(command, envList(t.Env), args...)
	case models.TransportSSE:
		return client.NewSSEMCPClient(t.URL, transport.WithHeaders(t.Headers))
	case models.TransportHTTP:
		return client.NewStreamableHttpClient(t.URL, transport.WithHTTPHeaders(t.Headers))
	default:
		return nil, errors.Newf("unsupported transport %q", t.Kind)
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Evaluate connects to the job's server and runs its suite. Failing to reach
// or initialize the server is an error; everything after that is recorded as
// checks in the report.
func (m *MCP) Evaluate(ctx context.Context, job *models.Job) (*models.Report, error) {
	suite := suiteName(job.Config)
	run, err := m.suites.Get(suite)
	if err != nil {
		return nil, err
	}

	log := m.log.With("job_id", job.ID, "server", job.Config.Server, "suite", suite)
	report := &models.Report{
		ID:        uuid.New().String(),
		JobID:     job.ID,
		Server:    job.Config.Server,
		StartedAt: time.Now().UTC(),
	}

	c, err := m.connect(ctx, job.Config.Transport)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", job.Config.Server)
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Debugw("Failed to close MCP client", "error", err)
		}
	}()

	if err := c.Start(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to start MCP transport for %s", job.Config.Server)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: m.clientName, Version: m.clientVersion}
	initRes, err := c.Initialize(ctx, initReq)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize %s", job.Config.Server)
	}
	report.ServerName = initRes.ServerInfo.Name
	report.ServerVersion = initRes.ServerInfo.Version
	report.Checks = append(report.Checks, models.CheckResult{
		Name:    CheckInitialize,
		Passed:  true,
		Details: fmt.Sprintf("protocol %s", initRes.ProtocolVersion),
	})

	tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		report.Checks = append(report.Checks, models.CheckResult{Name: CheckListTools, Details: err.Error()})
	} else {
		for _, t := range tools.Tools {
			report.Tools = append(report.Tools, t.Name)
		}
		report.Checks = append(report.Checks, models.CheckResult{
			Name:    CheckListTools,
			Passed:  true,
			Details: fmt.Sprintf("%d tools", len(report.Tools)),
		})
	}

	session := &Session{Client: c, Job: job, Tools: report.Tools}
	report.Checks = append(report.Checks, run(ctx, session)...)

	report.Score = models.WeightedScore(report.Checks)
	report.FinishedAt = time.Now().UTC()
	log.Infow("Evaluation complete", "checks", len(report.Checks), "score", report.Score)
	return report, nil
}
