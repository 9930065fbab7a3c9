// Package fanout dispatches one task per chunk as a single task group and
// merges the settled member results back into one text.
//
// Merge order is the chunk ordinal, never completion order. A duplicate
// result for an ordinal already collected is dropped (first write wins).
// Any fatal member fails the whole merge and sibling results are discarded.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hazyhaar/dastyar/taskrt"
)

var (
	// ErrMemberFailed is returned by Merge when at least one member failed.
	ErrMemberFailed = errors.New("fanout: chunk failed")
	// ErrIncomplete is returned when ordinals are missing.
	ErrIncomplete = errors.New("fanout: incomplete result set")
)

// Part is the result of one member, as returned by member handlers.
type Part struct {
	Ordinal  int    `json:"ordinal"`
	Text     string `json:"text"`
	Tokens   int    `json:"tokens,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
	Fatal    bool   `json:"fatal,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Collector accumulates parts keyed by ordinal.
type Collector struct {
	total int
	parts map[int]Part
}

// NewCollector expects ordinals 0..total-1.
func NewCollector(total int) *Collector {
	return &Collector{total: total, parts: make(map[int]Part, total)}
}

// Total is the number of ordinals expected.
func (c *Collector) Total() int { return c.total }

// Add records p. It returns false when p's ordinal was already recorded or
// lies outside the expected range.
func (c *Collector) Add(p Part) bool {
	if p.Ordinal < 0 || p.Ordinal >= c.total {
		return false
	}
	if _, dup := c.parts[p.Ordinal]; dup {
		return false
	}
	c.parts[p.Ordinal] = p
	return true
}

// Summary is the merged outcome of a group.
type Summary struct {
	Text     string
	Tokens   int
	Degraded int // members that returned a degraded result
}

// Merge joins the parts in ordinal order with a single newline.
func (c *Collector) Merge() (Summary, error) {
	var failed []string
	for _, p := range c.parts {
		if p.Fatal {
			failed = append(failed, fmt.Sprintf("chunk %d: %s", p.Ordinal, p.Err))
		}
	}
	if len(failed) > 0 {
		sort.Strings(failed)
		return Summary{}, fmt.Errorf("%w: %s", ErrMemberFailed, strings.Join(failed, "; "))
	}
	if len(c.parts) != c.total {
		return Summary{}, fmt.Errorf("%w: have %d of %d", ErrIncomplete, len(c.parts), c.total)
	}

	var s Summary
	texts := make([]string, c.total)
	for i := range c.total {
		p := c.parts[i]
		texts[i] = p.Text
		s.Tokens += p.Tokens
		if p.Degraded {
			s.Degraded++
		}
	}
	s.Text = strings.Join(texts, "\n")
	return s, nil
}

// Merge is a one-shot Collector over parts.
func Merge(total int, parts []Part) (Summary, error) {
	c := NewCollector(total)
	for _, p := range parts {
		c.Add(p)
	}
	return c.Merge()
}

// Dispatcher is the part of the task runtime used to fan out.
type Dispatcher interface {
	DispatchGroup(ctx context.Context, parent *taskrt.Task, members []taskrt.Spec, callback taskrt.Spec) (string, error)
}

// Dispatch sends one member task of kind per item, JSON-encoded, plus the
// callback that runs when every member settled.
func Dispatch[T any](ctx context.Context, d Dispatcher, parent *taskrt.Task, kind string, items []T, callback taskrt.Spec) (string, error) {
	members := make([]taskrt.Spec, len(items))
	for i, it := range items {
		b, err := json.Marshal(it)
		if err != nil {
			return "", fmt.Errorf("fanout: encode member %d: %w", i, err)
		}
		members[i] = taskrt.Spec{Kind: kind, Payload: b}
	}
	return d.DispatchGroup(ctx, parent, members, callback)
}

// ResultReader is the part of the task runtime used to fan in.
type ResultReader interface {
	GroupResults(ctx context.Context, groupID string) ([]taskrt.MemberResult, error)
}

// Collect reads the settled members of groupID into a Collector sized to
// the group. A member that failed at the runtime level (panic, time limit,
// give-up) becomes a fatal part.
func Collect(ctx context.Context, r ResultReader, groupID string) (*Collector, error) {
	members, err := r.GroupResults(ctx, groupID)
	if err != nil {
		return nil, err
	}
	c := NewCollector(len(members))
	for _, m := range members {
		switch m.Status {
		case taskrt.StatusSucceeded:
			var p Part
			if err := json.Unmarshal(m.Result, &p); err != nil {
				c.Add(Part{Ordinal: m.Index, Fatal: true, Err: "undecodable result: " + err.Error()})
				continue
			}
			c.Add(p)
		default:
			c.Add(Part{Ordinal: m.Index, Fatal: true, Err: fmt.Sprintf("%s: %s", m.Status, m.Error)})
		}
	}
	return c, nil
}
