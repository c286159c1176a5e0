// Package classify decides whether an operation runs in the slow or the fast slot pool.
package classify

import (
	"strings"
	"sync"
	"time"

	"github.com/openjdbcproxy/ojp-go/pkg/slots"
)

// Classifier labels an operation key, such as a SQL statement or a gRPC method.
type Classifier interface {
	Classify(key string) slots.Class
}

// Observer is implemented by classifiers that learn from execution times.
type Observer interface {
	Observe(key string, d time.Duration)
}

// Normalize collapses whitespace so that the same statement written on
// different lines maps to the same key.
func Normalize(key string) string {
	return strings.Join(strings.Fields(key), " ")
}

// Static classifies by exact key, then by the longest matching prefix
// (case insensitive), then falls back to a default class.
type Static struct {
	def slots.Class

	mu       sync.RWMutex
	exact    map[string]slots.Class
	prefixes map[string]slots.Class
}

func NewStatic(def slots.Class) *Static {
	return &Static{
		def:      def,
		exact:    make(map[string]slots.Class),
		prefixes: make(map[string]slots.Class),
	}
}

// Set pins a single key to a class.
func (s *Static) Set(key string, class slots.Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exact[Normalize(key)] = class
}

// SetPrefix classifies every key starting with prefix.
func (s *Static) SetPrefix(prefix string, class slots.Class) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefixes[strings.ToUpper(Normalize(prefix))] = class
}

func (s *Static) Classify(key string) slots.Class {
	if c, ok := s.Lookup(key); ok {
		return c
	}
	return s.def
}

// Lookup reports the class of key if an exact or prefix rule matches it.
func (s *Static) Lookup(key string) (slots.Class, bool) {
	key = Normalize(key)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.exact[key]; ok {
		return c, true
	}

	upper := strings.ToUpper(key)
	best, class := -1, s.def
	for prefix, c := range s.prefixes {
		if len(prefix) > best && strings.HasPrefix(upper, prefix) {
			best, class = len(prefix), c
		}
	}
	return class, best >= 0
}

// Layered applies the rules of Rules first and asks Fallback for keys no
// rule matches. Observations go to Fallback.
type Layered struct {
	Rules    *Static
	Fallback Classifier
}

func (l Layered) Classify(key string) slots.Class {
	if l.Rules != nil {
		if c, ok := l.Rules.Lookup(key); ok {
			return c
		}
	}
	return l.Fallback.Classify(key)
}

func (l Layered) Observe(key string, d time.Duration) {
	if o, ok := l.Fallback.(Observer); ok {
		o.Observe(key, d)
	}
}
