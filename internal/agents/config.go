package agents

import (
	"fmt"
	"time"

	"github.com/toankh-dev/chat-bot-sub001/pkg/config"
)

const defaultAgentTimeout = 30 * time.Second

// FromConfig builds the registry from the static agent configuration.
func FromConfig(cfgs []config.AgentConfig) (*Registry, error) {
	descs := make([]*Descriptor, 0, len(cfgs))
	for _, c := range cfgs {
		d, err := descriptorFromConfig(c)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}
	return NewRegistry(descs...)
}

func descriptorFromConfig(c config.AgentConfig) (*Descriptor, error) {
	timeout := c.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultAgentTimeout
	}

	d := &Descriptor{
		ID:                c.ID,
		Description:       c.Description,
		Aliases:           c.Aliases,
		Actions:           make(map[string]ActionSpec, len(c.Actions)),
		DefaultTimeout:    timeout,
		DefaultMaxRetries: c.DefaultMaxRetries,
		ExpectedLatency:   c.ExpectedLatency,
	}
	for _, a := range c.Actions {
		d.Actions[a.Name] = ActionSpec{
			Name:           a.Name,
			Description:    a.Description,
			RequiredParams: a.RequiredParams,
			Timeout:        a.Timeout,
		}
	}

	switch c.Kind {
	case "", "remote":
		d.Agent = NewRemote(c.Endpoint, c.Token)
	case "research":
		r, err := NewResearch()
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", c.ID, err)
		}
		builtin := ResearchDescriptor(c.ID, r, timeout, c.DefaultMaxRetries)
		// Configured actions narrow the built-in set; none means all.
		if len(c.Actions) == 0 {
			d.Actions = builtin.Actions
		}
		if d.Description == "" {
			d.Description = builtin.Description
		}
		d.Agent = r
	default:
		return nil, fmt.Errorf("agent %s: unknown kind %q", c.ID, c.Kind)
	}
	return d, nil
}
