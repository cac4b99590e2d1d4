package engine

import (
	"math/rand"
	"sync"
	"time"
)

// userAgents is the rotation pool. Values mirror current mainstream
// desktop browsers.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:128.0) Gecko/20100101 Firefox/128.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
}

// userAgentPool picks the agent for each request: a fixed value, or a
// random draw from the pool when rotation is on.
type userAgentPool struct {
	fixed  string
	rotate bool

	mu  sync.Mutex
	rng *rand.Rand
}

func newUserAgentPool(fixed string, rotate bool) *userAgentPool {
	return &userAgentPool{
		fixed:  fixed,
		rotate: rotate,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *userAgentPool) next() string {
	if !p.rotate {
		return p.fixed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return userAgents[p.rng.Intn(len(userAgents))]
}
