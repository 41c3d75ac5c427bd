package oracle

import (
	"context"
	"sync"
)

// defaultScript parses cleanly downstream, so a scripted deployment
// exercises the full pipeline rather than the degraded path.
const defaultScript = `CONCERNS:
- Signals indicate sustained pressure across more than one domain
INTERVENTIONS:
- Schedule a guardian conference to review recent changes
- Arrange a counselor check-in within the next week`

// ScriptedClient returns canned responses. It backs local development
// and tests where no real analysis service is reachable.
type ScriptedClient struct {
	mu       sync.Mutex
	response string
	err      error
	requests []Request
}

// NewScriptedClient creates a client that always answers with a
// well-formed analysis.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{response: defaultScript}
}

func (c *ScriptedClient) GetName() string {
	return ProviderScripted
}

// SetResponse changes the canned answer for subsequent calls.
func (c *ScriptedClient) SetResponse(response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response = response
}

// SetError makes subsequent calls fail with err.
func (c *ScriptedClient) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

// Requests returns a copy of every request seen so far.
func (c *ScriptedClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.requests))
	copy(out, c.requests)
	return out
}

func (c *ScriptedClient) Analyze(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return "", c.err
	}
	return c.response, nil
}
