// Package rtdbtest provides an in-memory fake of the rtdb.Client contract.
//
// The fake backs package tests without a live bus. It implements hashes,
// lists, strings, pub/sub fan-out, pipelines, and a registry of Go handlers
// standing in for server-side functions.
package rtdbtest

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/voltgrid/voltgrid/rtdb"
)

// FunctionHandler stands in for a server-side function.
type FunctionHandler func(keys []string, args []string) (any, error)

// Fake is an in-memory rtdb.Client.
type Fake struct {
	mu        sync.Mutex
	hashes    map[string]map[string]string
	lists     map[string][]string
	strings   map[string]string
	functions map[string]FunctionHandler
	subs      []*fakeSub

	// Published records every publish in order, for assertions.
	Published []PublishedMessage

	// FailNext makes the next n operations fail with rtdb.Error, to exercise
	// caller error paths.
	FailNext int
}

// PublishedMessage is one recorded publish.
type PublishedMessage struct {
	Channel string
	Payload string
}

// New creates an empty fake.
func New() *Fake {
	return &Fake{
		hashes:    make(map[string]map[string]string),
		lists:     make(map[string][]string),
		strings:   make(map[string]string),
		functions: make(map[string]FunctionHandler),
	}
}

// RegisterFunction installs a handler for CallFunction.
func (f *Fake) RegisterFunction(name string, h FunctionHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.functions[name] = h
}

// Hash returns a copy of the hash at key, for assertions.
func (f *Fake) Hash(key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out
}

// List returns a copy of the list at key.
func (f *Fake) List(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lists[key]...)
}

func (f *Fake) failNext() error {
	if f.FailNext > 0 {
		f.FailNext--
		return &rtdb.Error{Op: "fake", Cause: context.DeadlineExceeded}
	}
	return nil
}

// =============================================================================
// rtdb.Client implementation
// =============================================================================

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failNext()
}

func (f *Fake) HashGet(ctx context.Context, key, field string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return "", err
	}
	v, ok := f.hashes[key][field]
	if !ok {
		return "", rtdb.ErrNotFound
	}
	return v, nil
}

func (f *Fake) HashSet(ctx context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	f.hashSetLocked(key, fields)
	return nil
}

func (f *Fake) hashSetLocked(key string, fields map[string]string) {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (f *Fake) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) HashDel(ctx context.Context, key string, fields ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	for _, field := range fields {
		delete(f.hashes[key], field)
	}
	return nil
}

func (f *Fake) ListPush(ctx context.Context, key string, values ...string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return 0, err
	}
	f.lists[key] = append(f.lists[key], values...)
	return int64(len(f.lists[key])), nil
}

func (f *Fake) ListPop(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return "", err
	}
	l := f.lists[key]
	if len(l) == 0 {
		return "", rtdb.ErrNotFound
	}
	head := l[0]
	f.lists[key] = l[1:]
	return head, nil
}

func (f *Fake) ListLen(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return 0, err
	}
	return int64(len(f.lists[key])), nil
}

func (f *Fake) GetString(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return "", err
	}
	v, ok := f.strings[key]
	if !ok {
		return "", rtdb.ErrNotFound
	}
	return v, nil
}

func (f *Fake) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	f.strings[key] = value
	return nil
}

func (f *Fake) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(f.hashes, k)
		delete(f.lists, k)
		delete(f.strings, k)
	}
	return nil
}

func (f *Fake) ScanMatch(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext(); err != nil {
		return nil, err
	}
	var keys []string
	match := func(k string) {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range f.hashes {
		match(k)
	}
	for k := range f.lists {
		match(k)
	}
	for k := range f.strings {
		match(k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *Fake) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	if err := f.failNext(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.Published = append(f.Published, PublishedMessage{Channel: channel, Payload: payload})
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()

	for _, s := range subs {
		s.deliver(channel, payload)
	}
	return nil
}

func (f *Fake) Pipeline(ctx context.Context, ops []rtdb.Op) error {
	f.mu.Lock()
	if err := f.failNext(); err != nil {
		f.mu.Unlock()
		return err
	}
	var publishes []PublishedMessage
	for _, op := range ops {
		switch op.Kind {
		case rtdb.OpHashSet:
			f.hashSetLocked(op.Key, op.Fields)
		case rtdb.OpPublish:
			f.Published = append(f.Published, PublishedMessage{Channel: op.Key, Payload: op.Payload})
			publishes = append(publishes, PublishedMessage{Channel: op.Key, Payload: op.Payload})
		case rtdb.OpListPush:
			f.lists[op.Key] = append(f.lists[op.Key], op.Payload)
		case rtdb.OpSetString:
			f.strings[op.Key] = op.Payload
		case rtdb.OpDelete:
			delete(f.hashes, op.Key)
			delete(f.lists, op.Key)
			delete(f.strings, op.Key)
		}
	}
	subs := append([]*fakeSub(nil), f.subs...)
	f.mu.Unlock()

	for _, p := range publishes {
		for _, s := range subs {
			s.deliver(p.Channel, p.Payload)
		}
	}
	return nil
}

func (f *Fake) CallFunction(ctx context.Context, name string, keys []string, args []string) (any, error) {
	f.mu.Lock()
	h, ok := f.functions[name]
	err := f.failNext()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &rtdb.Error{Op: "fcall:" + name, Cause: rtdb.ErrNotFound}
	}
	return h(keys, args)
}

func (f *Fake) Subscribe(ctx context.Context, channels ...string) (*rtdb.Subscription, error) {
	s := &fakeSub{
		channels: make(map[string]bool, len(channels)),
	}
	for _, c := range channels {
		s.channels[c] = true
	}
	sub, push := rtdb.NewTestSubscription(256)
	s.push = push
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.close()
	}()
	return sub, nil
}

func (f *Fake) Close() error { return nil }

// =============================================================================
// fake subscription plumbing
// =============================================================================

type fakeSub struct {
	channels map[string]bool
	push     func(rtdb.Message) bool
	mu       sync.Mutex
	closed   bool
}

func (s *fakeSub) deliver(channel, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.channels[channel] {
		return
	}
	s.push(rtdb.Message{Kind: rtdb.MessageData, Channel: channel, Payload: payload})
}

func (s *fakeSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
