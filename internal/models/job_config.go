package models

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/fawad-mazhar/evalq/internal/errors"
)

// TransportKind selects how a worker reaches the server under evaluation
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
	TransportSSE   TransportKind = "sse"
)

// Transport is a tagged union: Command/Args/Env for stdio, URL/Headers for
// http and sse.
type Transport struct {
	Kind    TransportKind     `json:"kind" yaml:"kind"`
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// EvalCase is one tool invocation and the expectations checked against it
type EvalCase struct {
	Name           string          `json:"name" yaml:"name"`
	Tool           string          `json:"tool" yaml:"tool"`
	Arguments      json.RawMessage `json:"arguments,omitempty" yaml:"-"`
	ExpectError    bool            `json:"expectError,omitempty" yaml:"expectError,omitempty"`
	ExpectContains string          `json:"expectContains,omitempty" yaml:"expectContains,omitempty"`
	Weight         float64         `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// JobConfig describes what a worker should execute. The queue treats it as an
// opaque value; only Validate looks inside.
type JobConfig struct {
	Server    string     `json:"server"`
	Transport Transport  `json:"transport"`
	Suite     string     `json:"suite,omitempty"`
	Cases     []EvalCase `json:"cases,omitempty"`
	// TimeoutSeconds bounds a single evaluation run on the worker
	TimeoutSeconds int `json:"timeoutSeconds,omitempty"`
}

// Validate performs structural checks only
func (c JobConfig) Validate() error {
	if strings.TrimSpace(c.Server) == "" {
		return errors.InvalidRequestf("config.server is required")
	}
	if c.TimeoutSeconds < 0 {
		return errors.InvalidRequestf("config.timeoutSeconds must not be negative")
	}

	switch c.Transport.Kind {
	case TransportStdio:
		if strings.TrimSpace(c.Transport.Command) == "" {
			return errors.InvalidRequestf("config.transport.command is required for stdio")
		}
	case TransportHTTP, TransportSSE:
		u, err := url.Parse(c.Transport.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.InvalidRequestf("config.transport.url must be an absolute URL for %s", c.Transport.Kind)
		}
	default:
		return errors.InvalidRequestf("config.transport.kind must be one of stdio, http, sse")
	}

	for i, ec := range c.Cases {
		if strings.TrimSpace(ec.Tool) == "" {
			return errors.InvalidRequestf("config.cases[%d].tool is required", i)
		}
		if ec.Weight < 0 {
			return errors.InvalidRequestf("config.cases[%d].weight must not be negative", i)
		}
		if len(ec.Arguments) > 0 && !json.Valid(ec.Arguments) {
			return errors.InvalidRequestf("config.cases[%d].arguments is not valid JSON", i)
		}
	}
	return nil
}

// Clone returns a deep copy
func (c JobConfig) Clone() JobConfig {
	out := c
	out.Transport.Args = append([]string(nil), c.Transport.Args...)
	out.Transport.Env = cloneMap(c.Transport.Env)
	out.Transport.Headers = cloneMap(c.Transport.Headers)
	if c.Cases != nil {
		out.Cases = make([]EvalCase, len(c.Cases))
		for i, ec := range c.Cases {
			ec.Arguments = append(json.RawMessage(nil), ec.Arguments...)
			out.Cases[i] = ec
		}
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
