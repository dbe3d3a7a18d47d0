// Package wsapi implements spec.md §4.6.3's WebSocket API family: one
// long-lived subscription per distinct (target,selector,params,handler)
// tuple, feeding a shared rolling window of accumulator buckets that
// each Field's own reducer expression samples at tick time.
package wsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"chomp/internal/ingester/wsapi/streamexpr"
	"chomp/internal/logging"
	"chomp/internal/model"
	"chomp/internal/orchestrator"
	"chomp/internal/selector"

	"github.com/gorilla/websocket"
)

// windowSize is the rolling bucket window's capacity (spec.md §5's
// backpressure bound: "WebSocket buckets cap at 32 to bound memory under
// reducer delay").
const windowSize = 32

// group is one long-lived WebSocket subscription shared by every Field
// whose resolved (target, selector, params, handler) tuple is identical.
// handler mutates the shared epoch window on every inbound message; each
// Field's own compiled reducer derives its own snapshot value from that
// same window at tick time, independently of the others.
type group struct {
	target   string
	selector string
	params   model.ParamList
	handler  *streamexpr.Program

	mu     sync.Mutex
	epochs []any // window of windowSize bucket maps; epochs[0] is the open bucket

	fieldIdx []int                  // indices into the Ingester's Fields sharing this group
	reducers []*streamexpr.Program  // parallel to fieldIdx

	cancel context.CancelFunc
}

// Collector runs one WebSocket subscription goroutine per group for the
// lifetime of the Ingester it was built for, independent of the
// scheduled tick cadence; Collect only samples the accumulated state.
type Collector struct {
	dialer        *websocket.Dialer
	maxRetries    int
	retryCooldown time.Duration
	logger        *slog.Logger

	groups []*group
	wg     sync.WaitGroup
}

// NewFactory returns an orchestrator.CollectorFactory for the ws_api
// family. maxRetries and retryCooldown implement spec.md §4.9's
// "retry_cooldown x retry_count" backoff policy for WebSocketDisconnect.
func NewFactory(dialer *websocket.Dialer, maxRetries int, retryCooldown time.Duration) orchestrator.CollectorFactory {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if retryCooldown <= 0 {
		retryCooldown = 2 * time.Second
	}
	return func(ing model.Ingester, deps orchestrator.Deps) (orchestrator.Collector, error) {
		logger := logging.Default(deps.Logger).With("component", "ingester", "type", "ws_api", "ingester", ing.Name)
		c := &Collector{dialer: dialer, maxRetries: maxRetries, retryCooldown: retryCooldown, logger: logger}
		if err := c.buildGroups(ing); err != nil {
			return nil, err
		}
		c.start()
		return c, nil
	}
}

// buildGroups compiles every Field's handler (once per distinct group)
// and reducer (once per Field) at construction time, per spec.md's
// REDESIGN FLAGS: parse to a tree at config-load time, never at
// message/tick time.
func (c *Collector) buildGroups(ing model.Ingester) error {
	byKey := make(map[string]*group)
	for i := range ing.Fields {
		f := &ing.Fields[i]

		target := f.ResolvedTarget(ing.DefaultTarget)
		selector := f.Selector
		if selector == "" {
			selector = ing.DefaultSelector
		}
		params := f.Params
		if len(params.List) == 0 && len(params.Map) == 0 {
			params = ing.DefaultParams
		}
		handlerSrc := f.Handler
		if handlerSrc == "" {
			handlerSrc = ing.DefaultHandler
		}
		if handlerSrc == "" {
			return fmt.Errorf("wsapi: field %q has no handler", f.Name)
		}
		if f.Reducer == "" {
			return fmt.Errorf("wsapi: field %q has no reducer", f.Name)
		}

		key := groupKey(target, selector, params, handlerSrc)
		g, ok := byKey[key]
		if !ok {
			handlerProg, err := streamexpr.Parse(handlerSrc)
			if err != nil {
				return fmt.Errorf("wsapi: field %q: compile handler: %w", f.Name, err)
			}
			g = &group{
				target:   target,
				selector: selector,
				params:   params,
				handler:  handlerProg,
				epochs:   newWindow(),
			}
			byKey[key] = g
			c.groups = append(c.groups, g)
		}

		reducerProg, err := streamexpr.Parse(f.Reducer)
		if err != nil {
			return fmt.Errorf("wsapi: field %q: compile reducer: %w", f.Name, err)
		}
		g.fieldIdx = append(g.fieldIdx, i)
		g.reducers = append(g.reducers, reducerProg)
	}
	return nil
}

func newWindow() []any {
	w := make([]any, windowSize)
	for i := range w {
		w[i] = map[string]any{}
	}
	return w
}

func groupKey(target, selector string, params model.ParamList, handler string) string {
	var sb strings.Builder
	sb.WriteString(target)
	sb.WriteByte(0)
	sb.WriteString(selector)
	sb.WriteByte(0)
	for _, p := range params.List {
		sb.WriteString(p)
		sb.WriteByte(',')
	}
	sb.WriteByte(0)
	keys := make([]string, 0, len(params.Map))
	for k := range params.Map {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params.Map[k])
		sb.WriteByte(',')
	}
	sb.WriteByte(0)
	sb.WriteString(handler)
	return sb.String()
}

// start launches one subscription goroutine per group. Subscriptions run
// for the Collector's lifetime, not per tick; Collect only reads their
// accumulated state.
func (c *Collector) start() {
	for _, g := range c.groups {
		ctx, cancel := context.WithCancel(context.Background())
		g.cancel = cancel
		c.wg.Add(1)
		go func(g *group) {
			defer c.wg.Done()
			c.runGroup(ctx, g)
		}(g)
	}
}

func (c *Collector) runGroup(ctx context.Context, g *group) {
	retryCount := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := c.dialer.DialContext(ctx, g.target, nil)
		if err != nil {
			c.logger.Warn("ws dial failed", "target", g.target, "error", err)
			if !c.backoff(ctx, &retryCount) {
				return
			}
			continue
		}

		if len(g.params.List) > 0 || len(g.params.Map) > 0 {
			if err := conn.WriteJSON(paramsFrame(g.params)); err != nil {
				conn.Close()
				c.logger.Warn("ws subscribe frame failed", "target", g.target, "error", err)
				if !c.backoff(ctx, &retryCount) {
					return
				}
				continue
			}
		}

		retryCount = 0
		err = c.readLoop(ctx, conn, g)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("ws subscription dropped", "target", g.target, "error", err)
		if !c.backoff(ctx, &retryCount) {
			return
		}
	}
}

// backoff waits retryCount*retryCooldown (spec.md §4.6.3's
// "exponential-ish backoff") and reports whether the caller should
// retry. It returns false once maxRetries is exceeded or ctx is done,
// at which point the subscription is abandoned for good.
func (c *Collector) backoff(ctx context.Context, retryCount *int) bool {
	*retryCount++
	if *retryCount > c.maxRetries {
		c.logger.Warn("ws subscription abandoned after max retries", "max_retries", c.maxRetries)
		return false
	}
	wait := time.Duration(*retryCount) * c.retryCooldown
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func paramsFrame(p model.ParamList) any {
	if len(p.Map) > 0 {
		return p.Map
	}
	return p.List
}

func (c *Collector) readLoop(ctx context.Context, conn *websocket.Conn, g *group) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var root any
		if err := json.Unmarshal(raw, &root); err != nil {
			c.logger.Warn("invalid json message", "error", err)
			continue
		}
		val, err := selectValue(root, g.selector)
		if err != nil {
			c.logger.Warn("selector failed", "selector", g.selector, "error", err)
			continue
		}

		g.mu.Lock()
		herr := streamexpr.RunHandler(g.handler, val, g.epochs)
		g.mu.Unlock()
		if herr != nil {
			c.logger.Warn("handler failed", "error", herr)
		}
	}
}

// selectValue applies sel to root via internal/selector's dotted/
// bracketed fast path (or a full RFC 9535 query when sel starts with
// "$"), same selector syntax the http_api family uses.
func selectValue(root any, sel string) (any, error) {
	return selector.Select(root, sel)
}

// Collect samples every group's open bucket through each assigned
// Field's reducer. A group whose open bucket is still empty is skipped
// entirely (spec.md §4.6.3's "if the current open bucket is empty, log a
// miss and skip"); otherwise every sharing Field gets its own reduced
// value and the window rotates: the oldest bucket is dropped and a fresh
// one is pushed to the head.
func (c *Collector) Collect(ctx context.Context, ing *model.Ingester) error {
	for _, g := range c.groups {
		g.mu.Lock()
		open, _ := g.epochs[0].(map[string]any)
		if len(open) == 0 {
			g.mu.Unlock()
			c.logger.Debug("open bucket empty, skipping reducers", "target", g.target)
			continue
		}

		for i, fi := range g.fieldIdx {
			val, err := streamexpr.RunReducer(g.reducers[i], g.epochs)
			if err != nil {
				c.logger.Warn("reducer failed", "field", ing.Fields[fi].Name, "error", err)
				continue
			}
			ing.Fields[fi].Value = val
		}

		next := make([]any, windowSize)
		next[0] = map[string]any{}
		copy(next[1:], g.epochs[:windowSize-1])
		g.epochs = next
		g.mu.Unlock()
	}
	return nil
}

// Close cancels every group's subscription goroutine and waits for them
// to exit, per spec.md §4.9's "WebSocket subscriptions are closed on
// shutdown".
func (c *Collector) Close() error {
	for _, g := range c.groups {
		if g.cancel != nil {
			g.cancel()
		}
	}
	c.wg.Wait()
	return nil
}
