// Package klist implements an intrusive doubly linked list.
//
// Entries are embedded in the structure they link, so linking never
// allocates and removal from the middle of a list is O(1). An entry belongs
// to at most one list at a time.
package klist

import (
	"errors"
	"iter"
)

var (
	// ErrLinked is the panic value when pushing an entry that is already
	// linked.
	ErrLinked = errors.New("klist: entry already linked")
)

// Entry links a value into a List. The zero value is unlinked.
type Entry[T any] struct {
	Value T
	next  *Entry[T]
	prev  *Entry[T]
	list  *List[T]
}

// Linked reports whether the entry is in a list.
func (e *Entry[T]) Linked() bool { return e.list != nil }

// In reports whether the entry is in l.
func (e *Entry[T]) In(l *List[T]) bool { return l != nil && e.list == l }

// List is a doubly linked list of entries. The zero value is empty and ready
// to use.
type List[T any] struct {
	root Entry[T]
	len  int
}

func (l *List[T]) lazyInit() {
	if l.root.next == nil {
		l.root.next = &l.root
		l.root.prev = &l.root
	}
}

// Len returns the number of linked entries.
func (l *List[T]) Len() int { return l.len }

// Front returns the first entry, or nil.
func (l *List[T]) Front() *Entry[T] {
	if l.len == 0 {
		return nil
	}
	return l.root.next
}

// Next returns the entry after e in its list, or nil.
func (e *Entry[T]) Next() *Entry[T] {
	if e.list == nil || e.next == &e.list.root {
		return nil
	}
	return e.next
}

func (l *List[T]) insert(e, at *Entry[T]) {
	if e.list != nil {
		panic(ErrLinked)
	}
	e.prev = at
	e.next = at.next
	e.prev.next = e
	e.next.prev = e
	e.list = l
	l.len++
}

// PushBack links e at the tail. It panics with ErrLinked if e is linked.
func (l *List[T]) PushBack(e *Entry[T]) {
	l.lazyInit()
	l.insert(e, l.root.prev)
}

// PushFront links e at the head. It panics with ErrLinked if e is linked.
func (l *List[T]) PushFront(e *Entry[T]) {
	l.lazyInit()
	l.insert(e, &l.root)
}

// Remove unlinks e, reporting false if e was not in l.
func (l *List[T]) Remove(e *Entry[T]) bool {
	if e.list != l {
		return false
	}
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--
	return true
}

// PopFront unlinks and returns the first entry, or nil.
func (l *List[T]) PopFront() *Entry[T] {
	e := l.Front()
	if e != nil {
		l.Remove(e)
	}
	return e
}

// All iterates the entries from head to tail. Entries may be removed
// during iteration, except the one following the current entry.
func (l *List[T]) All() iter.Seq[*Entry[T]] {
	return func(yield func(*Entry[T]) bool) {
		for e := l.Front(); e != nil; {
			next := e.Next()
			if !yield(e) {
				return
			}
			e = next
		}
	}
}

// Check verifies the structural integrity of the list, returning false if
// a link is corrupted.
func (l *List[T]) Check() bool {
	if l.root.next == nil {
		return l.len == 0
	}
	n := 0
	for e := l.root.next; e != &l.root; e = e.next {
		if e == nil || e.list != l || e.next == nil || e.next.prev != e || n > l.len {
			return false
		}
		n++
	}
	return n == l.len
}
