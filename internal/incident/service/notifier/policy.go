// Package notifier schedules and delivers incident notifications. Routing
// follows a severity to role/channel/delay matrix loaded from YAML; delivery
// runs asynchronously behind a delayed queue so incident state transitions
// never block on a paging provider.
package notifier

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cureops/incidentd/internal/incident/model"
)

// policyVersion is the only policy document schema this build reads.
const policyVersion = 1

type policyDocument struct {
	Version   int               `yaml:"version"`
	Routes    []routeDoc        `yaml:"routes"`
	Fallbacks map[string]string `yaml:"fallbacks,omitempty"`
}

type routeDoc struct {
	Severity     string `yaml:"severity"`
	Role         string `yaml:"role"`
	Channel      string `yaml:"channel"`
	DelaySeconds int    `yaml:"delay_seconds"`
}

// Route is one row of the dispatch matrix: who to tell, over which channel,
// and how long after the update. A zero delay means immediate.
type Route struct {
	Role    string
	Channel string
	Delay   time.Duration
}

// Policy maps incident severity to dispatch routes, with optional per-channel
// fallbacks used after delivery attempts on a channel are exhausted.
type Policy struct {
	routes    map[model.Severity][]Route
	fallbacks map[string]string
}

// LoadPolicy reads and validates the notification policy file.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parsePolicy(data)
}

func parsePolicy(data []byte) (*Policy, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse notification policy: %w", err)
	}
	if doc.Version != policyVersion {
		return nil, fmt.Errorf("unsupported notification policy version %d, want %d", doc.Version, policyVersion)
	}
	if len(doc.Routes) == 0 {
		return nil, fmt.Errorf("notification policy declares no routes")
	}

	routes := make(map[model.Severity][]Route)
	for i, rd := range doc.Routes {
		sev, ok := model.ParseSeverity(rd.Severity)
		if !ok {
			return nil, fmt.Errorf("route %d: unknown severity %q", i, rd.Severity)
		}
		if rd.Role == "" {
			return nil, fmt.Errorf("route %d: role is required", i)
		}
		if rd.Channel == "" {
			return nil, fmt.Errorf("route %d: channel is required", i)
		}
		if rd.DelaySeconds < 0 {
			return nil, fmt.Errorf("route %d: delay_seconds must not be negative", i)
		}
		routes[sev] = append(routes[sev], Route{
			Role:    rd.Role,
			Channel: rd.Channel,
			Delay:   time.Duration(rd.DelaySeconds) * time.Second,
		})
	}

	for from, to := range doc.Fallbacks {
		if to == "" {
			return nil, fmt.Errorf("fallback for channel %q names no channel", from)
		}
		if from == to {
			return nil, fmt.Errorf("fallback for channel %q points at itself", from)
		}
	}

	return &Policy{routes: routes, fallbacks: doc.Fallbacks}, nil
}

// RoutesFor returns the dispatch rows for a severity. Severities without
// routes notify nobody.
func (p *Policy) RoutesFor(sev model.Severity) []Route {
	return p.routes[sev]
}

// Fallback names the channel tried after attempts on ch are exhausted.
func (p *Policy) Fallback(ch string) (string, bool) {
	to, ok := p.fallbacks[ch]
	return to, ok
}
