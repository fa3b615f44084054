// Package eventbus is the in-process publish/subscribe bus used to unblock
// long-polls and stream updates to UI subscribers. It is process-local and
// not persistent — it is safe to lose because every consumer revalidates
// against the Store after waking up. Channels are typed rather than string
// topics, since the Dispatcher needs to address a `task` event to one
// specific waiting agent.
package eventbus

import (
	"sync"

	"github.com/fluxbroker/taskbroker/store"
)

// TaskEvent is published when a task is reserved for an agent.
type TaskEvent struct {
	Task            *store.Task
	IntendedAgentID string
}

// CompletionEvent is published when a task reaches a terminal state.
type CompletionEvent struct {
	Task *store.Task
}

// EvictionEvent is published when an eviction is queued for an agent.
type EvictionEvent struct {
	AgentID string
	Reason  string
	Action  store.EvictionAction
}

// SystemPromptEvent is published when an out-of-band system prompt update is
// available for an agent (ambient UI-facing channel; unused by the core
// Dispatcher/Scheduler logic).
type SystemPromptEvent struct {
	AgentID string
}

// AgentWaitingEvent is published when an agent parks on a long-poll with no
// immediate match. The Scheduler subscribes to this as a nudge to run an
// assign pass for that tenant immediately instead of waiting for its next
// tick.
type AgentWaitingEvent struct {
	TenantID string
	AgentID  string
}

// Bus is a typed, in-process pub/sub with one channel per event kind, plus
// the internal AgentWaiting nudge. Within one channel, emission order is
// preserved (a mutex-guarded map of subscribers per channel); no
// ordering guarantee holds across channels, and none is required.
type Bus struct {
	mu sync.Mutex

	taskSubs       map[int]func(TaskEvent)
	completionSubs map[int]func(CompletionEvent)
	evictionSubs   map[int]func(EvictionEvent)
	promptSubs     map[int]func(SystemPromptEvent)
	waitingSubs    map[int]func(AgentWaitingEvent)
	nextID         int
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{
		taskSubs:       make(map[int]func(TaskEvent)),
		completionSubs: make(map[int]func(CompletionEvent)),
		evictionSubs:   make(map[int]func(EvictionEvent)),
		promptSubs:     make(map[int]func(SystemPromptEvent)),
		waitingSubs:    make(map[int]func(AgentWaitingEvent)),
	}
}

// Subscription lets a caller unsubscribe from whichever channel it joined.
// Subscribers must be idempotent to Unsubscribe and must re-validate Store
// state after being woken.
type Subscription struct {
	unsub func()
}

// Unsubscribe tears down the subscription. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
}

func (b *Bus) SubscribeTask(handler func(TaskEvent)) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.taskSubs[id] = handler
	b.mu.Unlock()
	return &Subscription{unsub: func() {
		b.mu.Lock()
		delete(b.taskSubs, id)
		b.mu.Unlock()
	}}
}

func (b *Bus) SubscribeCompletion(handler func(CompletionEvent)) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.completionSubs[id] = handler
	b.mu.Unlock()
	return &Subscription{unsub: func() {
		b.mu.Lock()
		delete(b.completionSubs, id)
		b.mu.Unlock()
	}}
}

func (b *Bus) SubscribeEviction(handler func(EvictionEvent)) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.evictionSubs[id] = handler
	b.mu.Unlock()
	return &Subscription{unsub: func() {
		b.mu.Lock()
		delete(b.evictionSubs, id)
		b.mu.Unlock()
	}}
}

func (b *Bus) SubscribeSystemPrompt(handler func(SystemPromptEvent)) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.promptSubs[id] = handler
	b.mu.Unlock()
	return &Subscription{unsub: func() {
		b.mu.Lock()
		delete(b.promptSubs, id)
		b.mu.Unlock()
	}}
}

func (b *Bus) SubscribeAgentWaiting(handler func(AgentWaitingEvent)) *Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.waitingSubs[id] = handler
	b.mu.Unlock()
	return &Subscription{unsub: func() {
		b.mu.Lock()
		delete(b.waitingSubs, id)
		b.mu.Unlock()
	}}
}

func (b *Bus) PublishAgentWaiting(e AgentWaitingEvent) {
	b.mu.Lock()
	handlers := make([]func(AgentWaitingEvent), 0, len(b.waitingSubs))
	for _, h := range b.waitingSubs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishTask(e TaskEvent) {
	b.mu.Lock()
	handlers := make([]func(TaskEvent), 0, len(b.taskSubs))
	for _, h := range b.taskSubs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishCompletion(e CompletionEvent) {
	b.mu.Lock()
	handlers := make([]func(CompletionEvent), 0, len(b.completionSubs))
	for _, h := range b.completionSubs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishEviction(e EvictionEvent) {
	b.mu.Lock()
	handlers := make([]func(EvictionEvent), 0, len(b.evictionSubs))
	for _, h := range b.evictionSubs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}

func (b *Bus) PublishSystemPrompt(e SystemPromptEvent) {
	b.mu.Lock()
	handlers := make([]func(SystemPromptEvent), 0, len(b.promptSubs))
	for _, h := range b.promptSubs {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
}
